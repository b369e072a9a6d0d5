package remotesql

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the remote SQL routes over a Manager.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler binds handlers to manager.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// Register mounts every remote SQL route on routes.
func (h *Handler) Register(routes gin.IRoutes) {
	routes.POST(PathOpen, h.handleOpen)
	routes.POST(PathClose, h.handleClose)
	routes.POST(PathStatementQuery, h.handleStatementQuery)
	routes.POST(PathStatementUpdate, h.handleStatementUpdate)
	routes.POST(PathPreparedStatementNew, h.handlePrepare)
	routes.POST(PathPreparedStatementQuery, h.handlePreparedQuery)
	routes.POST(PathPreparedStatementExec, h.handlePreparedUpdate)
	routes.POST(PathPreparedStatementClose, h.handlePreparedClose)
	routes.POST(PathSetAutoCommit, h.handleSetAutoCommit)
	routes.POST(PathCommit, h.handleCommit)
}

func (h *Handler) handleOpen(c *gin.Context) {
	id, err := h.manager.Open(c.Request.Context())
	if err != nil {
		h.fail(c, "open", err)
		return
	}
	c.JSON(http.StatusOK, OpenConnectionResponse{ConnectionID: id})
}

func (h *Handler) handleClose(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	if err := h.manager.Close(id); err != nil {
		h.fail(c, "close", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleStatementQuery(c *gin.Context) {
	id, request, ok := statementRequest(c)
	if !ok {
		return
	}
	result, err := h.manager.Query(c.Request.Context(), id, request.SQL)
	if err != nil {
		h.fail(c, "statement_query", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) handleStatementUpdate(c *gin.Context) {
	id, request, ok := statementRequest(c)
	if !ok {
		return
	}
	result, err := h.manager.Update(c.Request.Context(), id, request.SQL)
	if err != nil {
		h.fail(c, "statement_update", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) handlePrepare(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	var request PreparedStatementCreateRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SQL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	statementID, err := h.manager.Prepare(c.Request.Context(), id, request.SQL)
	if err != nil {
		h.fail(c, "prepare", err)
		return
	}
	c.JSON(http.StatusOK, PreparedStatementCreateResponse{PreparedStatementID: statementID})
}

func (h *Handler) handlePreparedQuery(c *gin.Context) {
	id, request, ok := preparedRequest(c)
	if !ok {
		return
	}
	result, err := h.manager.QueryPrepared(c.Request.Context(), id, request.PreparedStatementID, request.Params)
	if err != nil {
		h.fail(c, "prepared_query", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) handlePreparedUpdate(c *gin.Context) {
	id, request, ok := preparedRequest(c)
	if !ok {
		return
	}
	result, err := h.manager.UpdatePrepared(c.Request.Context(), id, request.PreparedStatementID, request.Params)
	if err != nil {
		h.fail(c, "prepared_update", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) handlePreparedClose(c *gin.Context) {
	id, request, ok := preparedRequest(c)
	if !ok {
		return
	}
	if err := h.manager.ClosePrepared(id, request.PreparedStatementID); err != nil {
		h.fail(c, "prepared_close", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleSetAutoCommit(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	var request AutoCommitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.manager.SetAutoCommit(id, request.AutoCommit); err != nil {
		h.fail(c, "set_auto_commit", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleCommit(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	if err := h.manager.Commit(id); err != nil {
		h.fail(c, "commit", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) fail(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, ErrUnknownConnection):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_connection"})
	case errors.Is(err, ErrUnknownStatement):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_prepared_statement"})
	case errors.Is(err, ErrTooManyConnections):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections"})
	case errors.Is(err, ErrNoTransaction), errors.Is(err, ErrUnsupportedSQLType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Info("remote sql statement failed", zap.String("operation", "remotesql."+operation), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "sql_error", "message": err.Error()})
	}
}

func connectionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("connectionId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_connection_id"})
		return 0, false
	}
	return id, true
}

func statementRequest(c *gin.Context) (int64, StatementRequest, bool) {
	id, ok := connectionID(c)
	if !ok {
		return 0, StatementRequest{}, false
	}
	var request StatementRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SQL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, StatementRequest{}, false
	}
	return id, request, true
}

func preparedRequest(c *gin.Context) (int64, PreparedStatementRequest, bool) {
	id, ok := connectionID(c)
	if !ok {
		return 0, PreparedStatementRequest{}, false
	}
	var request PreparedStatementRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.PreparedStatementID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, PreparedStatementRequest{}, false
	}
	return id, request, true
}
