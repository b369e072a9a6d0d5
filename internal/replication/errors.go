package replication

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingTransactor = errors.New("transactor is required")
	errMissingEntities   = errors.New("entity registry is required")
	errMissingNodeID     = errors.New("local node id is required")
	errUnknownTable      = errors.New("no entity adapter for table")
	errInvalidPeer       = errors.New("peer node id must be positive")
	errForeignMessage    = errors.New("message is addressed to another node")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "replication.service.new"
	opAckAndGet     = "replication.ack_and_get"
	opApplierNew    = "replication.applier.new"
	opApplyMessage  = "replication.apply_message"
	opChangeLogNew  = "replication.change_log.new"
	opDeriveChanges = "replication.derive_changes"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("replication service error", attrs...)
}
