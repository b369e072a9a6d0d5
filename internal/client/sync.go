package client

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"go.uber.org/zap"
)

// Signal requests another ack/get pass. Signals arriving while one is queued coalesce.
func (c *Client) Signal() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// SyncOnce exchanges ack/get rounds until the remote reports nothing pending. Each round
// acknowledges the batch applied in the previous round; a failed apply acknowledges nothing.
func (c *Client) SyncOnce(ctx context.Context) (int, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	applied := 0
	for {
		message, err := c.AckAndGet(ctx, replication.ReplicationReceivedAck{ReplicationUIDs: c.unacked})
		if err != nil {
			return applied, err
		}
		c.unacked = nil
		c.rounds.Add(1)
		if message == nil {
			return applied, nil
		}
		result, err := c.applier.Apply(ctx, *message)
		if err != nil {
			return applied, err
		}
		c.unacked = result.Acknowledged
		applied += len(message.Replications)
	}
}

// Run pulls the backlog immediately, then again on every pending-replication notification,
// until ctx ends. Failures are retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		c.listen(ctx)
	}()
	defer func() { <-streamDone }()

	c.Signal()
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.pending:
		}

		applied, err := c.SyncOnce(ctx)
		if err == nil {
			attempt = 0
			if applied > 0 {
				c.logger.Info("replications applied", zap.Int("count", applied))
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := c.backoff.Delay(attempt)
		attempt++
		c.logger.Warn("replication round failed; retrying",
			zap.String("operation", "client.sync"),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Bool("unauthorized", errors.Is(err, ErrUnauthorized)),
			zap.Error(err))
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		c.Signal()
	}
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
