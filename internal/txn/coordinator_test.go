package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"gorm.io/gorm"
)

func openTestCoordinator(t *testing.T, listeners ...Listener) (*Coordinator, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)").Error; err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	coordinator, err := NewCoordinator(Config{Database: db, Listeners: listeners})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinator, db
}

func countItems(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM items").Scan(&count).Error; err != nil {
		t.Fatalf("failed to count items: %v", err)
	}
	return count
}

func TestNestedTransactionsShareOneConnection(t *testing.T) {
	coordinator, db := openTestCoordinator(t)
	ctx := context.Background()

	err := coordinator.WithTransaction(ctx, ReadWrite, func(ctx context.Context, outer *Tx) error {
		if err := outer.DB.Exec("INSERT INTO items(id, label) VALUES (1, 'outer')").Error; err != nil {
			return err
		}
		return coordinator.WithTransaction(ctx, ReadWrite, func(ctx context.Context, inner *Tx) error {
			if inner != outer {
				t.Fatalf("nested call must reuse the outer handle")
			}
			if inner.Depth() != 2 {
				t.Fatalf("expected depth 2, got %d", inner.Depth())
			}
			return coordinator.WithTransaction(ctx, ReadOnly, func(ctx context.Context, innermost *Tx) error {
				if innermost.Depth() != 3 {
					t.Fatalf("expected depth 3, got %d", innermost.Depth())
				}
				return innermost.DB.Exec("INSERT INTO items(id, label) VALUES (2, 'inner')").Error
			})
		})
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}

	stats := coordinator.Stats()
	if stats.Opened != 1 || stats.Committed != 1 || stats.RolledBack != 0 {
		t.Fatalf("expected exactly one physical transaction, got %+v", stats)
	}
	if countItems(t, db) != 2 {
		t.Fatalf("expected both inserts committed")
	}
}

func TestNestedFailureRollsBackOutermostOnce(t *testing.T) {
	coordinator, db := openTestCoordinator(t)
	failure := errors.New("inner failure")

	err := coordinator.WithTransaction(context.Background(), ReadWrite, func(ctx context.Context, tx *Tx) error {
		if err := tx.DB.Exec("INSERT INTO items(id, label) VALUES (1, 'outer')").Error; err != nil {
			return err
		}
		return coordinator.WithTransaction(ctx, ReadWrite, func(context.Context, *Tx) error {
			return failure
		})
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected original error, got %v", err)
	}
	stats := coordinator.Stats()
	if stats.Opened != 1 || stats.RolledBack != 1 || stats.Committed != 0 {
		t.Fatalf("expected a single rollback, got %+v", stats)
	}
	if countItems(t, db) != 0 {
		t.Fatalf("expected rollback to discard writes")
	}
}

func TestReadWriteCallInsideReadOnlyTransactionFails(t *testing.T) {
	coordinator, db := openTestCoordinator(t)
	ctx := context.Background()

	err := coordinator.WithTransaction(ctx, ReadOnly, func(ctx context.Context, outer *Tx) error {
		nested := coordinator.WithTransaction(ctx, ReadWrite, func(ctx context.Context, inner *Tx) error {
			return inner.DB.Exec("INSERT INTO items(id, label) VALUES (1, 'write')").Error
		})
		if !errors.Is(nested, ErrReadOnlyTransaction) {
			t.Fatalf("expected ErrReadOnlyTransaction, got %v", nested)
		}
		if outer.Depth() != 1 {
			t.Fatalf("rejected call must not join the transaction, depth %d", outer.Depth())
		}
		return coordinator.WithTransaction(ctx, ReadOnly, func(context.Context, *Tx) error { return nil })
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	if countItems(t, db) != 0 {
		t.Fatalf("expected no writes from the rejected call")
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	after  func(ctx context.Context, tx *Tx) error
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) OnBeforeTransaction(context.Context, *Tx) error {
	l.record("before")
	return nil
}

func (l *recordingListener) OnAfterTransaction(ctx context.Context, tx *Tx) error {
	l.record("after")
	if l.after != nil {
		return l.after(ctx, tx)
	}
	return nil
}

func (l *recordingListener) OnTransactionCommitted(context.Context, *Tx) {
	l.record("committed")
}

func (l *recordingListener) OnTransactionRolledBack(context.Context, *Tx, error) {
	l.record("rolled_back")
}

func (l *recordingListener) snapshot() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.events, ",")
}

func TestHooksFireInLifecycleOrder(t *testing.T) {
	listener := &recordingListener{}
	listener.after = func(_ context.Context, tx *Tx) error {
		return tx.DB.Exec("INSERT INTO items(id, label) VALUES (99, 'written-by-hook')").Error
	}
	coordinator, db := openTestCoordinator(t, listener)

	err := coordinator.WithTransaction(context.Background(), ReadWrite, func(ctx context.Context, tx *Tx) error {
		listener.record("body")
		return coordinator.WithTransaction(ctx, ReadWrite, func(context.Context, *Tx) error {
			listener.record("nested")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	if got := listener.snapshot(); got != "before,body,nested,after,committed" {
		t.Fatalf("unexpected hook order %q", got)
	}
	if countItems(t, db) != 1 {
		t.Fatalf("expected the after hook write to commit with the transaction")
	}
}

func TestAfterHookFailureRollsBack(t *testing.T) {
	failure := errors.New("capture failed")
	listener := &recordingListener{after: func(context.Context, *Tx) error { return failure }}
	coordinator, db := openTestCoordinator(t, listener)

	err := coordinator.WithTransaction(context.Background(), ReadWrite, func(_ context.Context, tx *Tx) error {
		return tx.DB.Exec("INSERT INTO items(id, label) VALUES (1, 'doomed')").Error
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if got := listener.snapshot(); got != "before,after,rolled_back" {
		t.Fatalf("unexpected hook order %q", got)
	}
	if countItems(t, db) != 0 {
		t.Fatalf("expected rollback")
	}
}

func TestSeparateContextsOpenSeparateTransactions(t *testing.T) {
	coordinator, db := openTestCoordinator(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for index := 1; index <= 2; index++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs <- coordinator.WithTransaction(context.Background(), ReadWrite, func(_ context.Context, tx *Tx) error {
				return tx.DB.Exec("INSERT INTO items(id, label) VALUES (?, 'worker')", id).Error
			})
		}(index)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected transaction error: %v", err)
		}
	}

	if stats := coordinator.Stats(); stats.Opened != 2 || stats.Committed != 2 {
		t.Fatalf("expected two independent transactions, got %+v", stats)
	}
	if countItems(t, db) != 2 {
		t.Fatalf("expected both workers to commit")
	}
}

func TestClosedCoordinatorRejectsNewTransactions(t *testing.T) {
	coordinator, _ := openTestCoordinator(t)
	coordinator.Close()

	err := coordinator.WithTransaction(context.Background(), ReadWrite, func(context.Context, *Tx) error {
		t.Fatalf("body must not run after close")
		return nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseWaitsForInFlightTransaction(t *testing.T) {
	coordinator, db := openTestCoordinator(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- coordinator.WithTransaction(context.Background(), ReadWrite, func(ctx context.Context, tx *Tx) error {
			close(entered)
			<-release
			return coordinator.WithTransaction(ctx, ReadWrite, func(_ context.Context, nested *Tx) error {
				return nested.DB.Exec("INSERT INTO items(id, label) VALUES (1, 'late')").Error
			})
		})
	}()

	<-entered
	closed := make(chan struct{})
	go func() {
		coordinator.Close()
		close(closed)
	}()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("in-flight transaction should finish normally, got %v", err)
	}
	<-closed
	if countItems(t, db) != 1 {
		t.Fatalf("expected the in-flight write to commit")
	}
}
