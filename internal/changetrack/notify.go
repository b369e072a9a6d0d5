package changetrack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultRetryBackoff = 2 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 90 * time.Second
)

var (
	// ErrMissingDSN indicates a notify tracker without a connection string for its LISTEN connection.
	ErrMissingDSN = errors.New("changetrack: listen dsn is required")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("changetrack: tracker already started")

	errSourceClosed = errors.New("changetrack: notification source closed")
)

// notificationSource is the dedicated LISTEN connection; pq.Listener in production.
type notificationSource interface {
	Listen(channel string) error
	Notifications() <-chan *pq.Notification
	Ping() error
	Close() error
}

type pqSource struct {
	listener *pq.Listener
}

func (s pqSource) Listen(channel string) error {
	return s.listener.Listen(channel)
}

func (s pqSource) Notifications() <-chan *pq.Notification {
	return s.listener.Notify
}

func (s pqSource) Ping() error {
	return s.listener.Ping()
}

func (s pqSource) Close() error {
	return s.listener.Close()
}

// PayloadHandler receives the payloads drained from one channel during a poll tick, in arrival order.
type PayloadHandler func(payloads []string)

// NotifyConfig wires a NotifyChannelTracker.
type NotifyConfig struct {
	DSN    string
	Tables []database.TrackedTable
	// InstallTriggers re-installs the notify triggers; called before every (re)listen.
	InstallTriggers func(ctx context.Context) error
	PollInterval    time.Duration
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	PingInterval    time.Duration
	Logger          *zap.Logger

	openSource func() (notificationSource, error)
}

// NotifyChannelTracker observes committed changes through LISTEN/NOTIFY on one dedicated connection.
// DetectChangedTables reports tables changed by any writer since the previous call; a transaction's
// own changes are only announced by the engine once it commits.
type NotifyChannelTracker struct {
	cfg    NotifyConfig
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string][]PayloadHandler
	tableFuncs []func(TableSet)

	pendingMu sync.Mutex
	pending   TableSet

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewNotifyChannelTracker validates cfg; the background loop starts with Start.
func NewNotifyChannelTracker(cfg NotifyConfig) (*NotifyChannelTracker, error) {
	if len(cfg.Tables) == 0 {
		return nil, ErrNoTrackedTables
	}
	for _, table := range cfg.Tables {
		if err := database.ValidateIdentifier(table.Name); err != nil {
			return nil, err
		}
	}
	if cfg.openSource == nil {
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, ErrMissingDSN
		}
		cfg.openSource = pqSourceFactory(cfg.DSN, cfg.Logger)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.RetryBackoff {
			cfg.MaxBackoff = cfg.RetryBackoff
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyChannelTracker{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string][]PayloadHandler),
		pending:  NewTableSet(),
	}, nil
}

func pqSourceFactory(dsn string, logger *zap.Logger) func() (notificationSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func() (notificationSource, error) {
		listener := pq.NewListener(dsn, 10*time.Millisecond, time.Minute, func(event pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("listen connection event", zap.Int("event", int(event)), zap.Error(err))
			}
		})
		return pqSource{listener: listener}, nil
	}
}

// Handle registers handler for payloads arriving on channel. Must be called before Start.
func (t *NotifyChannelTracker) Handle(channel string, handler PayloadHandler) {
	if channel == "" || handler == nil {
		return
	}
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[channel] = append(t.handlers[channel], handler)
}

// OnTablesChanged registers a callback receiving each non-empty batch of changed tables.
func (t *NotifyChannelTracker) OnTablesChanged(callback func(TableSet)) {
	if callback == nil {
		return
	}
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.tableFuncs = append(t.tableFuncs, callback)
}

// Arm is a no-op: the notify triggers are installed by the migration runner and the listen loop.
func (t *NotifyChannelTracker) Arm(context.Context, *gorm.DB) error {
	return nil
}

// DetectChangedTables returns and clears the tables announced since the previous call.
func (t *NotifyChannelTracker) DetectChangedTables(context.Context, *gorm.DB) (TableSet, error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	changed := t.pending
	t.pending = NewTableSet()
	return changed, nil
}

// Start launches the listen loop. It keeps retrying until ctx is cancelled or Close is called.
func (t *NotifyChannelTracker) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(loopCtx, t.done)
	return nil
}

// Close stops the listen loop and waits for it to release its connection.
func (t *NotifyChannelTracker) Close() {
	t.lifecycleMu.Lock()
	cancel, done := t.cancel, t.done
	t.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *NotifyChannelTracker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	backoff := t.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := t.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("listen loop failed; retrying",
			zap.String("operation", "changetrack.listen"),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > t.cfg.MaxBackoff {
			backoff = t.cfg.MaxBackoff
		}
	}
}

func (t *NotifyChannelTracker) channels() []string {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	channels := []string{database.TableChangeChannel}
	for channel := range t.handlers {
		if channel != database.TableChangeChannel {
			channels = append(channels, channel)
		}
	}
	return channels
}

func (t *NotifyChannelTracker) listenOnce(ctx context.Context) error {
	if err := t.installTriggers(ctx); err != nil {
		return err
	}
	source, err := t.cfg.openSource()
	if err != nil {
		return fmt.Errorf("open listen connection: %w", err)
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			t.logger.Debug("listen connection close failed", zap.Error(closeErr))
		}
	}()
	for _, channel := range t.channels() {
		if err := source.Listen(channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	t.logger.Info("listening for table changes", zap.Strings("channels", t.channels()))

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			received, reconnected, err := t.drain(source)
			if err != nil {
				return err
			}
			if reconnected {
				if err := t.installTriggers(ctx); err != nil {
					return err
				}
			}
			if received || reconnected {
				lastActivity = time.Now()
				continue
			}
			if time.Since(lastActivity) >= t.cfg.PingInterval {
				if err := source.Ping(); err != nil {
					return fmt.Errorf("ping listen connection: %w", err)
				}
				lastActivity = time.Now()
			}
		}
	}
}

func (t *NotifyChannelTracker) installTriggers(ctx context.Context) error {
	if t.cfg.InstallTriggers == nil {
		return nil
	}
	if err := t.cfg.InstallTriggers(ctx); err != nil {
		return fmt.Errorf("install notify triggers: %w", err)
	}
	return nil
}

// drain empties the queued notifications without blocking and dispatches them per channel.
func (t *NotifyChannelTracker) drain(source notificationSource) (received bool, reconnected bool, err error) {
	payloads := make(map[string][]string)
	notifications := source.Notifications()
drainLoop:
	for {
		select {
		case notification, ok := <-notifications:
			if !ok {
				err = errSourceClosed
				break drainLoop
			}
			if notification == nil {
				reconnected = true
				continue
			}
			received = true
			payloads[notification.Channel] = append(payloads[notification.Channel], notification.Extra)
		default:
			break drainLoop
		}
	}
	t.dispatch(payloads)
	return received, reconnected, err
}

func (t *NotifyChannelTracker) dispatch(payloads map[string][]string) {
	if len(payloads) == 0 {
		return
	}
	t.handlersMu.RLock()
	tableFuncs := append(([]func(TableSet))(nil), t.tableFuncs...)
	handlers := make(map[string][]PayloadHandler, len(t.handlers))
	for channel, registered := range t.handlers {
		handlers[channel] = append([]PayloadHandler(nil), registered...)
	}
	t.handlersMu.RUnlock()

	if tables := payloads[database.TableChangeChannel]; len(tables) > 0 {
		changed := NewTableSet()
		for _, name := range tables {
			if name = strings.TrimSpace(name); name != "" {
				changed.Add(name)
			}
		}
		t.pendingMu.Lock()
		for name := range changed {
			t.pending.Add(name)
		}
		t.pendingMu.Unlock()
		if len(changed) > 0 {
			for _, callback := range tableFuncs {
				callback(changed)
			}
		}
	}
	for channel, batch := range payloads {
		for _, handler := range handlers[channel] {
			handler(batch)
		}
	}
}
