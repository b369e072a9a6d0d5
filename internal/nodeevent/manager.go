package nodeevent

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"go.uber.org/zap"
)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Manager owns the outgoing and incoming event streams of one open database.
type Manager struct {
	outgoing *Broadcaster[[]NodeEvent]
	incoming *Broadcaster[replication.DoorMessage]
	logger   *zap.Logger

	mu      sync.Mutex
	closed  bool
	stopped chan struct{}
}

// NewManager builds a Manager ready to accept subscriptions.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		outgoing: NewBroadcaster[[]NodeEvent](cfg.BufferSize),
		incoming: NewBroadcaster[replication.DoorMessage](cfg.BufferSize),
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Start ties the manager to ctx: cancelling ctx closes it.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			m.Close()
		case <-m.stopped:
		}
	}()
}

// OutgoingEvents subscribes to committed outgoing events.
func (m *Manager) OutgoingEvents(ctx context.Context) (<-chan []NodeEvent, func()) {
	return m.outgoing.Subscribe(ctx)
}

// IncomingEvents subscribes to messages received from remote nodes.
func (m *Manager) IncomingEvents(ctx context.Context) (<-chan replication.DoorMessage, func()) {
	return m.incoming.Subscribe(ctx)
}

// PublishOutgoing hands committed events to every outgoing subscriber.
func (m *Manager) PublishOutgoing(events []NodeEvent) {
	if len(events) == 0 {
		return
	}
	delivered := m.outgoing.Publish(append([]NodeEvent(nil), events...))
	m.logger.Debug("outgoing events published",
		zap.Int("events", len(events)),
		zap.Int("subscribers", delivered))
}

// OnIncomingMessageReceived hands a received message to every incoming subscriber.
func (m *Manager) OnIncomingMessageReceived(message replication.DoorMessage) {
	delivered := m.incoming.Publish(message)
	m.logger.Debug("incoming message published",
		zap.Int64("from_node", message.FromNode),
		zap.Int("replications", len(message.Replications)),
		zap.Int("subscribers", delivered))
}

// Close closes both streams. Publishing afterwards is a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopped)
	m.mu.Unlock()

	m.outgoing.Close()
	m.incoming.Close()
}
