package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/nodeevent"
	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
)

const (
	RealtimeEventPendingReplication = replication.EventPendingReplication
	realtimeEventHeartbeat          = replication.EventHeartbeat
	realtimeEventInit               = replication.EventInit
	defaultHeartbeatInterval        = 25 * time.Second
)

type RealtimeMessage struct {
	NodeID    int64
	EventType string
	Timestamp time.Time
}

// RealtimeDispatcher routes pending-replication notices to the streams of the destination node.
// Each node gets its own broadcaster; a slow stream misses notices instead of blocking others.
type RealtimeDispatcher struct {
	mu         sync.Mutex
	nodes      map[int64]*nodeevent.Broadcaster[RealtimeMessage]
	bufferSize int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		nodes:      make(map[int64]*nodeevent.Broadcaster[RealtimeMessage]),
		bufferSize: 16,
	}
}

// Subscribe opens a stream for nodeID, released when ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, nodeID int64) (<-chan RealtimeMessage, func()) {
	if nodeID <= 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	return d.broadcaster(nodeID, true).Subscribe(ctx)
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.NodeID <= 0 || message.EventType == "" {
		return
	}
	if broadcaster := d.broadcaster(message.NodeID, false); broadcaster != nil {
		broadcaster.Publish(message)
	}
}

// Subscribers reports how many streams are open for nodeID.
func (d *RealtimeDispatcher) Subscribers(nodeID int64) int {
	if broadcaster := d.broadcaster(nodeID, false); broadcaster != nil {
		return broadcaster.Subscribers()
	}
	return 0
}

// Forward turns each committed batch into one pending-replication notice per destination
// node until events is closed.
func (d *RealtimeDispatcher) Forward(events <-chan []nodeevent.NodeEvent, clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	for batch := range events {
		for _, nodeID := range destinations(batch) {
			d.Publish(RealtimeMessage{
				NodeID:    nodeID,
				EventType: RealtimeEventPendingReplication,
				Timestamp: clock(),
			})
		}
	}
}

func destinations(batch []nodeevent.NodeEvent) []int64 {
	seen := make(map[int64]struct{}, len(batch))
	nodes := make([]int64, 0, len(batch))
	for _, event := range batch {
		if _, ok := seen[event.ToNode]; ok {
			continue
		}
		seen[event.ToNode] = struct{}{}
		nodes = append(nodes, event.ToNode)
	}
	return nodes
}

func (d *RealtimeDispatcher) broadcaster(nodeID int64, create bool) *nodeevent.Broadcaster[RealtimeMessage] {
	d.mu.Lock()
	defer d.mu.Unlock()
	broadcaster, ok := d.nodes[nodeID]
	if !ok && create {
		broadcaster = nodeevent.NewBroadcaster[RealtimeMessage](d.bufferSize)
		d.nodes[nodeID] = broadcaster
	}
	return broadcaster
}
