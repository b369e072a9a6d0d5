package replication

import "encoding/json"

// What discriminates DoorMessage payloads.
type What int32

const (
	// WhatReplication carries replicated entity state.
	WhatReplication What = 1
)

// DoorMessage is the envelope exchanged between nodes.
type DoorMessage struct {
	What         What                    `json:"what"`
	FromNode     int64                   `json:"fromNode"`
	ToNode       int64                   `json:"toNode"`
	Replications []DoorReplicationEntity `json:"replications"`
}

// DoorReplicationEntity is one entity state keyed by the outgoing replication uid that produced it.
type DoorReplicationEntity struct {
	TableID int32           `json:"tableId"`
	ORUID   int64           `json:"orUid"`
	Entity  json.RawMessage `json:"entity"`
}

// ReplicationReceivedAck lists the orUid values the receiver has durably applied.
type ReplicationReceivedAck struct {
	ReplicationUIDs []int64 `json:"replicationUids"`
}

// UIDs returns the orUid of every entity in the message, in message order.
func (m DoorMessage) UIDs() []int64 {
	uids := make([]int64, 0, len(m.Replications))
	for _, replication := range m.Replications {
		uids = append(uids, replication.ORUID)
	}
	return uids
}

// Event names shared by the SSE and WebSocket notification streams.
const (
	EventInit               = "init"
	EventPendingReplication = "pending-replication"
	EventHeartbeat          = "heartbeat"
)

// Paths of the replication endpoints.
const (
	PathAckAndGet   = "/replication/ackAndGetPendingReplications"
	PathEvents      = "/replication/sse"
	PathWebSocket   = "/replication/ws"
	PathStreamToken = "/replication/streamToken"
)

// StreamFrame is one notification; over SSE the fields map to id, event and data lines.
type StreamFrame struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`
	Data  string `json:"data"`
}
