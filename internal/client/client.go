// Package client runs the pulling side of replication: it acknowledges applied batches,
// fetches the next ones and wakes up on pending-replication notifications.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"go.uber.org/zap"
)

var (
	// ErrMissingBaseURL indicates a client without a remote address.
	ErrMissingBaseURL = errors.New("client: base url is required")
	// ErrMissingApplier indicates a client without a message applier.
	ErrMissingApplier = errors.New("client: applier is required")
	// ErrUnauthorized is returned when the remote rejects the node credentials.
	ErrUnauthorized = errors.New("client: remote rejected node credentials")
)

// Transport selects how pending-replication notifications are received.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "ws"
)

// MessageApplier applies a received message durably; replication.Applier implements it.
type MessageApplier interface {
	Apply(ctx context.Context, message replication.DoorMessage) (replication.ApplyResult, error)
}

// Config wires a Client.
type Config struct {
	BaseURL      string
	Credentials  nodes.Credentials
	Applier      MessageApplier
	Transport    Transport
	HTTPClient   *http.Client
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Logger       *zap.Logger
}

// APIError describes a non-success response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d, body=%s", e.StatusCode, e.Body)
}

// Client pulls replications from one remote node.
type Client struct {
	baseURL     string
	credentials nodes.Credentials
	applier     MessageApplier
	transport   Transport
	httpClient  *http.Client
	streamHTTP  *http.Client
	backoff     Backoff
	logger      *zap.Logger

	syncMu  sync.Mutex
	unacked []int64

	pending      chan struct{}
	serverNodeID atomic.Int64
	rounds       atomic.Int64
}

// New validates cfg.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.Applier == nil {
		return nil, ErrMissingApplier
	}
	transport := cfg.Transport
	if transport == "" {
		transport = TransportSSE
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	streamHTTP := &http.Client{Transport: httpClient.Transport}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		credentials: cfg.Credentials,
		applier:     cfg.Applier,
		transport:   transport,
		httpClient:  httpClient,
		streamHTTP:  streamHTTP,
		backoff:     NewBackoff(cfg.RetryBackoff, cfg.MaxBackoff),
		logger:      logger,
		pending:     make(chan struct{}, 1),
	}, nil
}

// ServerNodeID returns the node id announced by the remote init event, or zero.
func (c *Client) ServerNodeID() int64 {
	return c.serverNodeID.Load()
}

// Rounds counts completed ack/get exchanges.
func (c *Client) Rounds() int64 {
	return c.rounds.Load()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(nodes.HeaderName, c.credentials.String())
	return c.httpClient.Do(req)
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// AckAndGet acknowledges uids and returns the next batch; nil means the remote has nothing pending.
func (c *Client) AckAndGet(ctx context.Context, ack replication.ReplicationReceivedAck) (*replication.DoorMessage, error) {
	if ack.ReplicationUIDs == nil {
		ack.ReplicationUIDs = []int64{}
	}
	resp, err := c.doRequest(ctx, http.MethodPost, replication.PathAckAndGet, ack)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = decodeResponse(resp, nil)
		return nil, nil
	}
	var message replication.DoorMessage
	if err := decodeResponse(resp, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// StreamToken requests a short-lived token for header-less event stream clients.
func (c *Client) StreamToken(ctx context.Context) (string, int64, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, replication.PathStreamToken, nil)
	if err != nil {
		return "", 0, err
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := decodeResponse(resp, &payload); err != nil {
		return "", 0, err
	}
	return payload.AccessToken, payload.ExpiresIn, nil
}
