package remotesql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
)

// ClientConfig points a Client at a peer's remote SQL group, e.g. http://host:8080/remotesql.
type ClientConfig struct {
	BaseURL     string
	Credentials nodes.Credentials
	HTTPClient  *http.Client
}

// Client speaks the remote SQL protocol.
type Client struct {
	baseURL     string
	credentials nodes.Credentials
	httpClient  *http.Client
}

// APIError describes a non-success response.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remotesql: status=%d, error=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remotesql: status=%d, error=%s", e.StatusCode, e.Code)
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		credentials: cfg.Credentials,
		httpClient:  httpClient,
	}
}

// Conn is a remote pinned connection.
type Conn struct {
	client *Client
	id     int64
}

// Stmt is a prepared statement on a remote connection.
type Stmt struct {
	conn *Conn
	id   int64
}

// Open pins a new connection on the peer.
func (c *Client) Open(ctx context.Context) (*Conn, error) {
	var response OpenConnectionResponse
	if err := c.call(ctx, PathOpen, 0, nil, &response); err != nil {
		return nil, err
	}
	return &Conn{client: c, id: response.ConnectionID}, nil
}

// ID returns the peer-assigned connection id.
func (c *Conn) ID() int64 {
	return c.id
}

// Close releases the connection, rolling back any open transaction.
func (c *Conn) Close(ctx context.Context) error {
	return c.client.call(ctx, PathClose, c.id, nil, nil)
}

// Query runs a one-shot query.
func (c *Conn) Query(ctx context.Context, query string) (QueryResult, error) {
	var result QueryResult
	err := c.client.call(ctx, PathStatementQuery, c.id, StatementRequest{SQL: query}, &result)
	return result, err
}

// Update runs a one-shot data-modifying statement.
func (c *Conn) Update(ctx context.Context, statement string) (UpdateResult, error) {
	var result UpdateResult
	err := c.client.call(ctx, PathStatementUpdate, c.id, StatementRequest{SQL: statement}, &result)
	return result, err
}

// Prepare compiles statement on the peer.
func (c *Conn) Prepare(ctx context.Context, statement string) (*Stmt, error) {
	var response PreparedStatementCreateResponse
	if err := c.client.call(ctx, PathPreparedStatementNew, c.id, PreparedStatementCreateRequest{SQL: statement}, &response); err != nil {
		return nil, err
	}
	return &Stmt{conn: c, id: response.PreparedStatementID}, nil
}

// SetAutoCommit toggles auto-commit.
func (c *Conn) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	return c.client.call(ctx, PathSetAutoCommit, c.id, AutoCommitRequest{AutoCommit: autoCommit}, nil)
}

// Commit commits the current transaction.
func (c *Conn) Commit(ctx context.Context) error {
	return c.client.call(ctx, PathCommit, c.id, nil, nil)
}

// Query executes the statement with positional args.
func (s *Stmt) Query(ctx context.Context, args ...any) (QueryResult, error) {
	var result QueryResult
	err := s.conn.client.call(ctx, PathPreparedStatementQuery, s.conn.id, s.request(args), &result)
	return result, err
}

// Update executes the statement with positional args.
func (s *Stmt) Update(ctx context.Context, args ...any) (UpdateResult, error) {
	var result UpdateResult
	err := s.conn.client.call(ctx, PathPreparedStatementExec, s.conn.id, s.request(args), &result)
	return result, err
}

// Close releases the statement.
func (s *Stmt) Close(ctx context.Context) error {
	return s.conn.client.call(ctx, PathPreparedStatementClose, s.conn.id, PreparedStatementRequest{PreparedStatementID: s.id}, nil)
}

func (s *Stmt) request(args []any) PreparedStatementRequest {
	params := make([]Param, 0, len(args))
	for i, arg := range args {
		params = append(params, NewParam(i+1, arg))
	}
	return PreparedStatementRequest{PreparedStatementID: s.id, Params: params}
}

func (c *Client) call(ctx context.Context, route string, connectionID int64, body any, target any) error {
	path := strings.Replace(route, ":connectionId", strconv.FormatInt(connectionID, 10), 1)
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(nodes.HeaderName, c.credentials.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		payload, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(payload, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
