// Package auth issues short-lived stream tokens for peers that cannot send the Door-Node header,
// such as browser EventSource and WebSocket clients.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 15 * time.Minute
	defaultIssuer   = "doorsync"
	defaultAudience = "doorsync-stream"
)

var (
	ErrMissingSigningSecret = errors.New("stream token: signing secret required")
	ErrMissingStreamToken   = errors.New("stream token: token required")
	ErrInvalidStreamToken   = errors.New("stream token: invalid token")
	ErrExpiredStreamToken   = errors.New("stream token: token expired")
	ErrInvalidNodeSubject   = errors.New("stream token: subject must be a node id")
)

// StreamTokenConfig configures the stream token issuer.
type StreamTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// StreamTokenIssuer signs HS256 tokens whose subject is the authenticated node id.
type StreamTokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewStreamTokenIssuer constructs an issuer; the signing secret is mandatory.
func NewStreamTokenIssuer(cfg StreamTokenConfig) (*StreamTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StreamTokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed token for nodeID and its lifetime in seconds.
func (i *StreamTokenIssuer) Issue(nodeID int64) (string, int64, error) {
	if nodeID <= 0 {
		return "", 0, ErrInvalidNodeSubject
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	registered := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(nodeID, 10),
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, registered).SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks the token and returns the node id it was issued to.
func (i *StreamTokenIssuer) Validate(tokenString string) (int64, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return 0, ErrMissingStreamToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidStreamToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredStreamToken
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidStreamToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return 0, ErrInvalidStreamToken
	}
	nodeID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || nodeID <= 0 {
		return 0, ErrInvalidNodeSubject
	}
	return nodeID, nil
}
