package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/MarcoPoloResearchLab/doorsync/internal/remotesql"
	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const nodeIDContextKey = "doorsync_node_id"

// RemoteSQLPrefix is the route group of the remote SQL protocol.
const RemoteSQLPrefix = "/remotesql"

var (
	errMissingReplicationService = errors.New("replication service dependency required")
	errMissingNodeAuthenticator  = errors.New("node authenticator dependency required")
	errMissingRealtimeDispatcher = errors.New("realtime dispatcher dependency required")
)

type ReplicationService interface {
	NodeID() int64
	AckAndGetPending(ctx context.Context, peer int64, ack replication.ReplicationReceivedAck) (*replication.DoorMessage, error)
}

type NodeAuthenticator interface {
	Authenticate(ctx context.Context, credentials nodes.Credentials) (database.DoorNode, error)
	// Verify accepts registered nodes only.
	Verify(ctx context.Context, credentials nodes.Credentials) (database.DoorNode, error)
}

type StreamTokenManager interface {
	Issue(nodeID int64) (string, int64, error)
	Validate(token string) (int64, error)
}

type Dependencies struct {
	Replication ReplicationService
	Nodes       NodeAuthenticator
	Realtime    *RealtimeDispatcher
	// StreamTokens enables POST /replication/streamToken and ?access_token= on the streams.
	StreamTokens StreamTokenManager
	// RemoteSQL mounts the remote SQL protocol under RemoteSQLPrefix.
	RemoteSQL         *remotesql.Handler
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Replication == nil {
		return nil, errMissingReplicationService
	}
	if deps.Nodes == nil {
		return nil, errMissingNodeAuthenticator
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtimeDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		replication: deps.Replication,
		nodes:       deps.Nodes,
		realtime:    deps.Realtime,
		tokens:      deps.StreamTokens,
		heartbeat:   heartbeat,
		clock:       clock,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.POST(replication.PathAckAndGet, handler.authorizeNode, handler.handleAckAndGet)
	router.GET(replication.PathEvents, handler.authorizeStream, handler.handleEvents)
	router.GET(replication.PathWebSocket, handler.authorizeStream, handler.handleWebSocket)
	if deps.StreamTokens != nil {
		router.POST(replication.PathStreamToken, handler.authorizeNode, handler.handleStreamToken)
	}
	if deps.RemoteSQL != nil {
		remote := router.Group(RemoteSQLPrefix)
		remote.Use(handler.authorizeRegisteredNode)
		deps.RemoteSQL.Register(remote)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization", nodes.HeaderName},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	replication ReplicationService
	nodes       NodeAuthenticator
	realtime    *RealtimeDispatcher
	tokens      StreamTokenManager
	heartbeat   time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

type streamTokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleAckAndGet(c *gin.Context) {
	peer := c.GetInt64(nodeIDContextKey)

	var request replication.ReplicationReceivedAck
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.replication.AckAndGetPending(c.Request.Context(), peer, request)
	if err != nil {
		code := "replication_failed"
		var serviceErr *replication.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("failed to exchange replications", zap.Int64("peer_node", peer), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
		return
	}
	if message == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleStreamToken(c *gin.Context) {
	nodeID := c.GetInt64(nodeIDContextKey)
	token, expiresIn, err := h.tokens.Issue(nodeID)
	if err != nil {
		h.logger.Error("failed to issue stream token", zap.Int64("node_id", nodeID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, streamTokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	nodeID := c.GetInt64(nodeIDContextKey)
	ctx := c.Request.Context()
	stream, unsubscribe := h.realtime.Subscribe(ctx, nodeID)
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.renderEvent(c, sse.Event{Id: "0", Event: realtimeEventInit, Data: strconv.FormatInt(h.replication.NodeID(), 10)})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			h.renderEvent(c, sse.Event{Event: message.EventType, Data: millis(message.Timestamp)})
		case <-ticker.C:
			h.renderEvent(c, sse.Event{Event: realtimeEventHeartbeat, Data: millis(h.clock())})
		}
	}
}

func (h *httpHandler) renderEvent(c *gin.Context, event sse.Event) {
	c.Render(-1, event)
	c.Writer.Flush()
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	nodeID := c.GetInt64(nodeIDContextKey)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Int64("node_id", nodeID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	stream, unsubscribe := h.realtime.Subscribe(ctx, nodeID)
	defer unsubscribe()

	if err := conn.WriteJSON(replication.StreamFrame{ID: "0", Event: realtimeEventInit, Data: strconv.FormatInt(h.replication.NodeID(), 10)}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		var frame replication.StreamFrame
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			frame = replication.StreamFrame{Event: message.EventType, Data: millis(message.Timestamp)}
		case <-ticker.C:
			frame = replication.StreamFrame{Event: realtimeEventHeartbeat, Data: millis(h.clock())}
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (h *httpHandler) authorizeNode(c *gin.Context) {
	h.authorize(c, h.nodes.Authenticate)
}

// authorizeRegisteredNode guards routes that must never register a node on first contact.
func (h *httpHandler) authorizeRegisteredNode(c *gin.Context) {
	h.authorize(c, h.nodes.Verify)
}

func (h *httpHandler) authorize(c *gin.Context, authenticate func(context.Context, nodes.Credentials) (database.DoorNode, error)) {
	credentials, err := nodes.ParseCredentials(c.GetHeader(nodes.HeaderName))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	node, err := authenticate(c.Request.Context(), credentials)
	if err != nil {
		if errors.Is(err, nodes.ErrUnauthorized) {
			h.logger.Info("node authentication failed", zap.Int64("node_id", credentials.NodeID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("node lookup failed", zap.Int64("node_id", credentials.NodeID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "node_lookup_failed"})
		return
	}
	c.Set(nodeIDContextKey, node.NodeID)
	c.Next()
}

// authorizeStream accepts a stream token in ?access_token= for clients that cannot set headers.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" || h.tokens == nil {
		h.authorizeNode(c)
		return
	}
	nodeID, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Info("stream token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(nodeIDContextKey, nodeID)
	c.Next()
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
