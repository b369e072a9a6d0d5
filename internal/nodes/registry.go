// Package nodes authenticates replication peers against the door_node table.
package nodes

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HeaderName carries "<nodeId>/<authSecret>" on every replication request.
const HeaderName = "Door-Node"

var (
	// ErrUnauthorized indicates an unknown node or a secret mismatch.
	ErrUnauthorized = errors.New("nodes: unauthorized")
	// ErrMalformedCredentials indicates a header that is not "<nodeId>/<authSecret>".
	ErrMalformedCredentials = errors.New("nodes: malformed node credentials")
	// ErrMissingDatabase indicates a registry built without a database handle.
	ErrMissingDatabase = errors.New("nodes: database handle is required")
)

// Credentials is the opaque node-id and secret pair presented by a peer.
type Credentials struct {
	NodeID     int64
	AuthSecret string
}

// String renders the header value.
func (c Credentials) String() string {
	return strconv.FormatInt(c.NodeID, 10) + "/" + c.AuthSecret
}

// ParseCredentials decodes a Door-Node header value.
func ParseCredentials(header string) (Credentials, error) {
	raw := strings.TrimSpace(header)
	separator := strings.Index(raw, "/")
	if separator <= 0 || separator == len(raw)-1 {
		return Credentials{}, ErrMalformedCredentials
	}
	nodeID, err := strconv.ParseInt(raw[:separator], 10, 64)
	if err != nil || nodeID <= 0 {
		return Credentials{}, ErrMalformedCredentials
	}
	return Credentials{NodeID: nodeID, AuthSecret: raw[separator+1:]}, nil
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Database *gorm.DB
	// AllowRegistration creates unknown nodes on first contact.
	AllowRegistration bool
	Logger            *zap.Logger
}

// Registry resolves DoorNode rows and caches known secrets for the lifetime of one database.
type Registry struct {
	db                *gorm.DB
	allowRegistration bool
	logger            *zap.Logger
	cache             sync.Map
}

// NewRegistry validates cfg.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:                cfg.Database,
		allowRegistration: cfg.AllowRegistration,
		logger:            logger,
	}, nil
}

// Authenticate verifies credentials, registering the node on first contact when allowed.
func (r *Registry) Authenticate(ctx context.Context, credentials Credentials) (database.DoorNode, error) {
	return r.authenticate(ctx, credentials, r.allowRegistration)
}

// Verify authenticates an already registered node and never registers unknown ones.
func (r *Registry) Verify(ctx context.Context, credentials Credentials) (database.DoorNode, error) {
	return r.authenticate(ctx, credentials, false)
}

func (r *Registry) authenticate(ctx context.Context, credentials Credentials, allowRegistration bool) (database.DoorNode, error) {
	if credentials.NodeID <= 0 || credentials.AuthSecret == "" {
		return database.DoorNode{}, ErrUnauthorized
	}
	if cached, ok := r.cache.Load(credentials.NodeID); ok {
		if secret, ok := cached.(string); ok {
			return r.verify(credentials, secret)
		}
	}

	var node database.DoorNode
	err := r.db.WithContext(ctx).Where("node_id = ?", credentials.NodeID).First(&node).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if !allowRegistration {
			return database.DoorNode{}, ErrUnauthorized
		}
		node, err = r.register(ctx, credentials)
		if err != nil {
			return database.DoorNode{}, err
		}
	case err != nil:
		return database.DoorNode{}, fmt.Errorf("nodes: lookup %d: %w", credentials.NodeID, err)
	}

	r.cache.Store(node.NodeID, node.AuthSecret)
	return r.verify(credentials, node.AuthSecret)
}

// Register stores node unless it already exists and returns the stored row.
func (r *Registry) Register(ctx context.Context, credentials Credentials) (database.DoorNode, error) {
	if credentials.NodeID <= 0 || credentials.AuthSecret == "" {
		return database.DoorNode{}, ErrMalformedCredentials
	}
	node, err := r.register(ctx, credentials)
	if err != nil {
		return database.DoorNode{}, err
	}
	r.cache.Store(node.NodeID, node.AuthSecret)
	return node, nil
}

func (r *Registry) register(ctx context.Context, credentials Credentials) (database.DoorNode, error) {
	candidate := database.DoorNode{NodeID: credentials.NodeID, AuthSecret: credentials.AuthSecret}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "node_id"}}, DoNothing: true}).
		Create(&candidate).Error; err != nil {
		return database.DoorNode{}, fmt.Errorf("nodes: register %d: %w", credentials.NodeID, err)
	}
	var stored database.DoorNode
	if err := r.db.WithContext(ctx).Where("node_id = ?", credentials.NodeID).First(&stored).Error; err != nil {
		return database.DoorNode{}, fmt.Errorf("nodes: reload %d: %w", credentials.NodeID, err)
	}
	r.logger.Info("node registered", zap.Int64("node_id", stored.NodeID))
	return stored, nil
}

// Known lists every registered node.
func (r *Registry) Known(ctx context.Context) ([]database.DoorNode, error) {
	var found []database.DoorNode
	if err := r.db.WithContext(ctx).Order("node_id ASC").Find(&found).Error; err != nil {
		return nil, fmt.Errorf("nodes: list: %w", err)
	}
	return found, nil
}

func (r *Registry) verify(credentials Credentials, secret string) (database.DoorNode, error) {
	if subtle.ConstantTimeCompare([]byte(credentials.AuthSecret), []byte(secret)) != 1 {
		r.logger.Warn("node authentication failed", zap.Int64("node_id", credentials.NodeID))
		return database.DoorNode{}, ErrUnauthorized
	}
	return database.DoorNode{NodeID: credentials.NodeID, AuthSecret: secret}, nil
}
