package nodeevent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const notifyPayloadFields = 6

// ErrMalformedPayload indicates a notification payload that is not destNodeId,tableId,pk1,pk2,pk3,pk4.
var ErrMalformedPayload = errors.New("nodeevent: malformed notification payload")

// ParseNotifyPayload decodes the comma-joined payload published for each outgoing replication row.
func ParseNotifyPayload(payload string) (NodeEvent, error) {
	fields := strings.Split(strings.TrimSpace(payload), ",")
	if len(fields) != notifyPayloadFields {
		return NodeEvent{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedPayload, notifyPayloadFields, len(fields))
	}
	values := make([]int64, notifyPayloadFields)
	for index, field := range fields {
		value, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return NodeEvent{}, fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, index, err)
		}
		values[index] = value
	}
	if values[1] < 0 || values[1] > int64(^uint32(0)>>1) {
		return NodeEvent{}, fmt.Errorf("%w: table id %d out of range", ErrMalformedPayload, values[1])
	}
	return NodeEvent{
		What:    ReplicationPush,
		ToNode:  values[0],
		TableID: int32(values[1]),
		Key1:    values[2],
		Key2:    values[3],
		Key3:    values[4],
		Key4:    values[5],
	}, nil
}

// NotifyAdapter feeds outgoing replication notifications from the networked engine into a publisher.
type NotifyAdapter struct {
	publisher OutgoingPublisher
	logger    *zap.Logger
}

// NewNotifyAdapter validates its collaborators.
func NewNotifyAdapter(publisher OutgoingPublisher, logger *zap.Logger) (*NotifyAdapter, error) {
	if publisher == nil {
		return nil, ErrMissingPublisher
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyAdapter{publisher: publisher, logger: logger}, nil
}

// HandlePayloads parses a drained batch; malformed entries are dropped with a warning.
func (a *NotifyAdapter) HandlePayloads(payloads []string) {
	events := make([]NodeEvent, 0, len(payloads))
	for _, payload := range payloads {
		event, err := ParseNotifyPayload(payload)
		if err != nil {
			a.logger.Warn("dropping malformed notification",
				zap.String("operation", "nodeevent.notify"),
				zap.String("payload", payload),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	a.publisher.PublishOutgoing(events)
}
