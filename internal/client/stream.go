package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errStreamClosed = errors.New("client: notification stream closed")

// listen keeps one notification stream open, reconnecting with backoff until ctx ends.
// Every (re)connect signals a pass so changes made while disconnected are pulled.
func (c *Client) listen(ctx context.Context) {
	attempt := 0
	for {
		var err error
		if c.transport == TransportWebSocket {
			err = c.streamWebSocket(ctx, &attempt)
		} else {
			err = c.streamSSE(ctx, &attempt)
		}
		if ctx.Err() != nil {
			return
		}
		delay := c.backoff.Delay(attempt)
		attempt++
		c.logger.Warn("notification stream lost; reconnecting",
			zap.String("operation", "client.listen"),
			zap.String("transport", string(c.transport)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (c *Client) handleFrame(frame replication.StreamFrame) {
	switch frame.Event {
	case replication.EventInit:
		if nodeID, err := strconv.ParseInt(strings.TrimSpace(frame.Data), 10, 64); err == nil {
			c.serverNodeID.Store(nodeID)
		}
		c.Signal()
	case replication.EventPendingReplication:
		c.Signal()
	}
}

func (c *Client) streamSSE(ctx context.Context, attempt *int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+replication.PathEvents, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(nodes.HeaderName, c.credentials.String())
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	*attempt = 0
	return readSSE(resp.Body, c.handleFrame)
}

// readSSE decodes text/event-stream frames incrementally and hands each completed frame to handle.
func readSSE(body io.Reader, handle func(replication.StreamFrame)) error {
	reader := bufio.NewReader(body)
	var frame replication.StreamFrame
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if frame.Event != "" || len(data) > 0 {
				frame.Data = strings.Join(data, "\n")
				handle(frame)
			}
			frame = replication.StreamFrame{}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
		}
	}
}

func (c *Client) streamWebSocket(ctx context.Context, attempt *int) error {
	target, err := url.Parse(c.baseURL + replication.PathWebSocket)
	if err != nil {
		return err
	}
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	header := http.Header{}
	header.Set(nodes.HeaderName, c.credentials.String())
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dial %s: %w", target.Redacted(), err)
	}
	defer conn.Close()
	*attempt = 0

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var frame replication.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.handleFrame(frame)
	}
}
