package remotesql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxConnections = 16

var (
	// ErrMissingDatabase indicates a manager without a database handle.
	ErrMissingDatabase = errors.New("remotesql: database handle is required")
	// ErrUnknownConnection is returned for connection ids that are not open.
	ErrUnknownConnection = errors.New("remotesql: unknown connection")
	// ErrUnknownStatement is returned for prepared statement ids that are not open.
	ErrUnknownStatement = errors.New("remotesql: unknown prepared statement")
	// ErrTooManyConnections is returned when the open connection limit is reached.
	ErrTooManyConnections = errors.New("remotesql: too many open connections")
	// ErrNoTransaction is returned by Commit while auto-commit is on.
	ErrNoTransaction = errors.New("remotesql: commit requested while auto-commit is enabled")
)

// NewDatabase wraps the pool behind a gorm handle for use by a Manager.
func NewDatabase(db *gorm.DB) (*sqlx.DB, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	driverName := "sqlite3"
	if database.EngineOf(db) == database.EnginePostgres {
		driverName = "pgx"
	}
	return sqlx.NewDb(sqlDB, driverName), nil
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Database       *sqlx.DB
	MaxConnections int
	Logger         *zap.Logger
}

// Manager owns the pinned connections opened by remote peers.
type Manager struct {
	db             *sqlx.DB
	maxConnections int
	logger         *zap.Logger

	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*session
}

type executor interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type session struct {
	mu         sync.Mutex
	conn       *sqlx.Conn
	tx         *sqlx.Tx
	nextStmtID int64
	statements map[int64]*sqlx.Stmt
}

// NewManager validates cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:             cfg.Database,
		maxConnections: maxConnections,
		logger:         logger,
		sessions:       make(map[int64]*session),
	}, nil
}

// Open pins a pooled connection in auto-commit mode and returns its id.
func (m *Manager) Open(ctx context.Context) (int64, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxConnections {
		m.mu.Unlock()
		return 0, ErrTooManyConnections
	}
	m.mu.Unlock()

	conn, err := m.db.Connx(ctx)
	if err != nil {
		return 0, fmt.Errorf("remotesql: open connection: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.sessions[id] = &session{conn: conn, statements: make(map[int64]*sqlx.Stmt)}
	m.logger.Debug("remote connection opened", zap.Int64("connection_id", id))
	return id, nil
}

// OpenConnections reports how many connections are pinned.
func (m *Manager) OpenConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close rolls back any open transaction and releases the connection.
func (m *Manager) Close(connectionID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[connectionID]
	delete(m.sessions, connectionID)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.release()
	m.logger.Debug("remote connection closed", zap.Int64("connection_id", connectionID))
	return err
}

// CloseAll releases every pinned connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(id); err != nil && !errors.Is(err, ErrUnknownConnection) {
			m.logger.Warn("remote connection close failed", zap.Int64("connection_id", id), zap.Error(err))
		}
	}
}

// Query runs sql and materializes the result set.
func (m *Manager) Query(ctx context.Context, connectionID int64, query string) (QueryResult, error) {
	var result QueryResult
	err := m.withSession(connectionID, func(s *session) error {
		rows, err := s.executor().QueryxContext(ctx, query)
		if err != nil {
			return err
		}
		result, err = collectRows(rows)
		return err
	})
	return result, err
}

// Update runs a data-modifying statement.
func (m *Manager) Update(ctx context.Context, connectionID int64, statement string) (UpdateResult, error) {
	var result UpdateResult
	err := m.withSession(connectionID, func(s *session) error {
		res, err := s.executor().ExecContext(ctx, statement)
		if err != nil {
			return err
		}
		result = updateResult(res)
		return nil
	})
	return result, err
}

// Prepare compiles statement on the connection and returns its id.
func (m *Manager) Prepare(ctx context.Context, connectionID int64, statement string) (int64, error) {
	var id int64
	err := m.withSession(connectionID, func(s *session) error {
		stmt, err := s.conn.PreparexContext(ctx, statement)
		if err != nil {
			return err
		}
		s.nextStmtID++
		id = s.nextStmtID
		s.statements[id] = stmt
		return nil
	})
	return id, err
}

// QueryPrepared executes a prepared query with params.
func (m *Manager) QueryPrepared(ctx context.Context, connectionID, statementID int64, params []Param) (QueryResult, error) {
	var result QueryResult
	err := m.withStatement(ctx, connectionID, statementID, params, func(stmt *sqlx.Stmt, args []any) error {
		rows, err := stmt.QueryxContext(ctx, args...)
		if err != nil {
			return err
		}
		result, err = collectRows(rows)
		return err
	})
	return result, err
}

// UpdatePrepared executes a prepared data-modifying statement with params.
func (m *Manager) UpdatePrepared(ctx context.Context, connectionID, statementID int64, params []Param) (UpdateResult, error) {
	var result UpdateResult
	err := m.withStatement(ctx, connectionID, statementID, params, func(stmt *sqlx.Stmt, args []any) error {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return err
		}
		result = updateResult(res)
		return nil
	})
	return result, err
}

// ClosePrepared releases a prepared statement.
func (m *Manager) ClosePrepared(connectionID, statementID int64) error {
	return m.withSession(connectionID, func(s *session) error {
		stmt, ok := s.statements[statementID]
		if !ok {
			return ErrUnknownStatement
		}
		delete(s.statements, statementID)
		return stmt.Close()
	})
}

// SetAutoCommit switches the connection between auto-commit and an explicit transaction.
// Re-enabling auto-commit commits the open transaction.
func (m *Manager) SetAutoCommit(connectionID int64, autoCommit bool) error {
	return m.withSession(connectionID, func(s *session) error {
		if autoCommit {
			if s.tx == nil {
				return nil
			}
			err := s.tx.Commit()
			s.tx = nil
			return err
		}
		if s.tx != nil {
			return nil
		}
		// The transaction outlives the request that started it.
		tx, err := s.conn.BeginTxx(context.Background(), nil)
		if err != nil {
			return err
		}
		s.tx = tx
		return nil
	})
}

// Commit commits the open transaction and starts the next one.
func (m *Manager) Commit(connectionID int64) error {
	return m.withSession(connectionID, func(s *session) error {
		if s.tx == nil {
			return ErrNoTransaction
		}
		err := s.tx.Commit()
		s.tx = nil
		if err != nil {
			return err
		}
		tx, err := s.conn.BeginTxx(context.Background(), nil)
		if err != nil {
			return err
		}
		s.tx = tx
		return nil
	})
}

func (m *Manager) withSession(connectionID int64, fn func(*session) error) error {
	m.mu.Lock()
	s, ok := m.sessions[connectionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

func (m *Manager) withStatement(ctx context.Context, connectionID, statementID int64, params []Param, fn func(*sqlx.Stmt, []any) error) error {
	args, err := decodeParams(params)
	if err != nil {
		return err
	}
	return m.withSession(connectionID, func(s *session) error {
		stmt, ok := s.statements[statementID]
		if !ok {
			return ErrUnknownStatement
		}
		if s.tx != nil {
			stmt = s.tx.StmtxContext(ctx, stmt)
		}
		return fn(stmt, args)
	})
}

func (s *session) executor() executor {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *session) release() error {
	var errs []error
	for id, stmt := range s.statements {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.statements, id)
	}
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		s.tx = nil
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func collectRows(rows *sqlx.Rows) (QueryResult, error) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return QueryResult{}, err
	}
	result := QueryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return QueryResult{}, err
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok && !isBinaryColumn(types[i]) {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}

func isBinaryColumn(columnType *sql.ColumnType) bool {
	name := strings.ToUpper(columnType.DatabaseTypeName())
	return strings.Contains(name, "BLOB") || strings.Contains(name, "BYTEA") || strings.Contains(name, "BINARY")
}

func updateResult(res sql.Result) UpdateResult {
	var result UpdateResult
	if affected, err := res.RowsAffected(); err == nil {
		result.UpdateCount = affected
	}
	if id, err := res.LastInsertId(); err == nil {
		result.LastInsertID = id
	}
	return result
}
