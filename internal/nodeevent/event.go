// Package nodeevent turns committed changes into NodeEvent values and fans them out to transports.
package nodeevent

import "github.com/MarcoPoloResearchLab/doorsync/internal/database"

// What discriminates NodeEvent values.
type What int

const (
	// ReplicationPush signals that replication rows are pending for ToNode.
	ReplicationPush What = iota + 1
)

func (w What) String() string {
	if w == ReplicationPush {
		return "replication_push"
	}
	return "unknown"
}

// NodeEvent is the unit published on the outgoing stream. UID is zero when the producer
// cannot observe the outgoing replication uid.
type NodeEvent struct {
	What    What
	ToNode  int64
	TableID int32
	Key1    int64
	Key2    int64
	Key3    int64
	Key4    int64
	UID     int64
}

// EventFromOutgoing maps a bookkeeping row to its event.
func EventFromOutgoing(row database.OutgoingReplication) NodeEvent {
	return NodeEvent{
		What:    ReplicationPush,
		ToNode:  row.DestNodeID,
		TableID: row.TableID,
		Key1:    row.PK1,
		Key2:    row.PK2,
		Key3:    row.PK3,
		Key4:    row.PK4,
		UID:     row.UID,
	}
}

// OutgoingPublisher accepts committed outgoing events.
type OutgoingPublisher interface {
	PublishOutgoing(events []NodeEvent)
}

// DestinedFor reports whether any event targets node.
func DestinedFor(events []NodeEvent, node int64) bool {
	for _, event := range events {
		if event.ToNode == node {
			return true
		}
	}
	return false
}
