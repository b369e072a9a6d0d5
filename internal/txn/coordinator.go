// Package txn coordinates logical transactions over a gorm connection pool and fires the
// before, after (pre-commit) and committed lifecycle hooks change capture depends on.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode declares whether a transaction may write.
type Mode int

const (
	// ReadWrite transactions arm change tracking and capture outgoing events.
	ReadWrite Mode = iota
	// ReadOnly transactions skip capture.
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read_only"
	}
	return "read_write"
}

var (
	// ErrClosed is returned when a new outermost transaction is requested after Close.
	ErrClosed = errors.New("txn: coordinator closed")
	// ErrReadOnlyTransaction is returned when a read-write call nests inside a read-only transaction.
	ErrReadOnlyTransaction = errors.New("txn: read-write call inside a read-only transaction")
	// ErrMissingDatabase indicates a coordinator constructed without a gorm handle.
	ErrMissingDatabase = errors.New("txn: database handle is required")
)

// Tx is the handle threaded through a logical transaction. DB is bound to a single connection.
type Tx struct {
	ID   string
	Mode Mode
	DB   *gorm.DB

	depth int32
}

// Depth reports how many nested WithTransaction calls currently share this handle.
func (tx *Tx) Depth() int {
	return int(atomic.LoadInt32(&tx.depth))
}

// Listener receives lifecycle callbacks for outermost transactions, in registration order.
type Listener interface {
	// OnBeforeTransaction runs after the connection is acquired and before the body.
	OnBeforeTransaction(ctx context.Context, tx *Tx) error
	// OnAfterTransaction runs after the body on the same connection, before commit.
	OnAfterTransaction(ctx context.Context, tx *Tx) error
	// OnTransactionCommitted runs once commit succeeded. ctx no longer carries the transaction.
	OnTransactionCommitted(ctx context.Context, tx *Tx)
	// OnTransactionRolledBack lets listeners release per-transaction state; it cannot change the outcome.
	OnTransactionRolledBack(ctx context.Context, tx *Tx, cause error)
}

// Stats counts physical transactions, used to verify connection reuse.
type Stats struct {
	Opened     int64
	Committed  int64
	RolledBack int64
}

// Config wires a Coordinator.
type Config struct {
	Database  *gorm.DB
	Listeners []Listener
	Logger    *zap.Logger
}

// Coordinator acquires one connection per outermost logical transaction and reuses it for nested calls.
type Coordinator struct {
	db        *gorm.DB
	logger    *zap.Logger
	listeners []Listener

	mu       sync.RWMutex
	closed   bool
	inFlight sync.WaitGroup

	opened     atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
}

type contextKey struct {
	coordinator *Coordinator
}

// NewCoordinator validates configuration and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:        cfg.Database,
		logger:    logger,
		listeners: append([]Listener(nil), cfg.Listeners...),
	}, nil
}

// AddListener registers a listener for subsequent transactions.
func (c *Coordinator) AddListener(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Current returns the transaction carried by ctx for this coordinator, if any.
func (c *Coordinator) Current(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(contextKey{coordinator: c}).(*Tx)
	return tx, ok && tx != nil
}

// WithTransaction runs body inside a transaction. When ctx already carries a transaction of this
// coordinator, body joins it and only the outermost call commits or rolls back.
func (c *Coordinator) WithTransaction(ctx context.Context, mode Mode, body func(ctx context.Context, tx *Tx) error) error {
	if existing, ok := c.Current(ctx); ok {
		if existing.Mode == ReadOnly && mode == ReadWrite {
			return fmt.Errorf("%w: %s", ErrReadOnlyTransaction, existing.ID)
		}
		atomic.AddInt32(&existing.depth, 1)
		defer atomic.AddInt32(&existing.depth, -1)
		return body(ctx, existing)
	}

	listeners, err := c.begin()
	if err != nil {
		return err
	}
	defer c.inFlight.Done()

	return c.runOutermost(ctx, mode, listeners, body)
}

func (c *Coordinator) begin() ([]Listener, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.inFlight.Add(1)
	return append([]Listener(nil), c.listeners...), nil
}

func (c *Coordinator) runOutermost(ctx context.Context, mode Mode, listeners []Listener, body func(context.Context, *Tx) error) error {
	id, idErr := uuid.NewV7()
	if idErr != nil {
		return fmt.Errorf("txn: transaction id: %w", idErr)
	}

	gormTx := c.db.WithContext(ctx).Begin()
	if gormTx.Error != nil {
		return fmt.Errorf("txn: begin: %w", gormTx.Error)
	}
	c.opened.Add(1)

	tx := &Tx{ID: id.String(), Mode: mode, DB: gormTx, depth: 1}
	txCtx := context.WithValue(ctx, contextKey{coordinator: c}, tx)
	finished := false

	defer func() {
		if recovered := recover(); recovered != nil {
			if !finished {
				c.rollback(ctx, tx, listeners, fmt.Errorf("txn: panic: %v", recovered))
			}
			panic(recovered)
		}
	}()

	if mode == ReadOnly && gormTx.Dialector.Name() == "postgres" {
		if err := gormTx.Exec("SET TRANSACTION READ ONLY").Error; err != nil {
			finished = true
			c.rollback(ctx, tx, listeners, err)
			return err
		}
	}

	for _, listener := range listeners {
		if err := listener.OnBeforeTransaction(txCtx, tx); err != nil {
			finished = true
			c.rollback(ctx, tx, listeners, err)
			return err
		}
	}

	if err := body(txCtx, tx); err != nil {
		finished = true
		c.rollback(ctx, tx, listeners, err)
		return err
	}

	for _, listener := range listeners {
		if err := listener.OnAfterTransaction(txCtx, tx); err != nil {
			finished = true
			c.rollback(ctx, tx, listeners, err)
			return err
		}
	}

	if err := gormTx.Commit().Error; err != nil {
		finished = true
		c.rollback(ctx, tx, listeners, err)
		return fmt.Errorf("txn: commit: %w", err)
	}
	finished = true
	c.committed.Add(1)
	atomic.StoreInt32(&tx.depth, 0)

	for _, listener := range listeners {
		listener.OnTransactionCommitted(ctx, tx)
	}
	return nil
}

func (c *Coordinator) rollback(ctx context.Context, tx *Tx, listeners []Listener, cause error) {
	if err := tx.DB.Rollback().Error; err != nil && !errors.Is(err, gorm.ErrInvalidTransaction) {
		c.logger.Warn("transaction rollback failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
	c.rolledBack.Add(1)
	atomic.StoreInt32(&tx.depth, 0)
	for _, listener := range listeners {
		listener.OnTransactionRolledBack(ctx, tx, cause)
	}
}

// Stats returns a snapshot of the physical transaction counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Opened:     c.opened.Load(),
		Committed:  c.committed.Load(),
		RolledBack: c.rolledBack.Load(),
	}
}

// Close rejects new outermost transactions and waits for in-flight ones to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inFlight.Wait()
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Before     func(ctx context.Context, tx *Tx) error
	After      func(ctx context.Context, tx *Tx) error
	Committed  func(ctx context.Context, tx *Tx)
	RolledBack func(ctx context.Context, tx *Tx, cause error)
}

// OnBeforeTransaction implements Listener.
func (f ListenerFuncs) OnBeforeTransaction(ctx context.Context, tx *Tx) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, tx)
}

// OnAfterTransaction implements Listener.
func (f ListenerFuncs) OnAfterTransaction(ctx context.Context, tx *Tx) error {
	if f.After == nil {
		return nil
	}
	return f.After(ctx, tx)
}

// OnTransactionCommitted implements Listener.
func (f ListenerFuncs) OnTransactionCommitted(ctx context.Context, tx *Tx) {
	if f.Committed != nil {
		f.Committed(ctx, tx)
	}
}

// OnTransactionRolledBack implements Listener.
func (f ListenerFuncs) OnTransactionRolledBack(ctx context.Context, tx *Tx, cause error) {
	if f.RolledBack != nil {
		f.RolledBack(ctx, tx, cause)
	}
}
