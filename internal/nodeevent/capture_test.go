package nodeevent

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/changetrack"
	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"github.com/stretchr/testify/require"
)

func newCaptureCoordinator(t *testing.T) (*txn.Coordinator, *OutgoingEventCapture, *recordingPublisher) {
	t.Helper()
	db := openReplicatedDatabase(t)
	tracker, err := changetrack.NewScratchTableTracker(widgetTables(), nil)
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	capture, err := NewOutgoingEventCapture(CaptureConfig{
		Tracker:   tracker,
		Tables:    widgetTables(),
		Publisher: publisher,
	})
	require.NoError(t, err)
	coordinator, err := txn.NewCoordinator(txn.Config{Database: db, Listeners: []txn.Listener{capture}})
	require.NoError(t, err)
	return coordinator, capture, publisher
}

func TestCapturePublishesAfterCommit(t *testing.T) {
	coordinator, capture, publisher := newCaptureCoordinator(t)

	err := coordinator.WithTransaction(context.Background(), txn.ReadWrite, func(_ context.Context, tx *txn.Tx) error {
		if err := tx.DB.Exec("INSERT INTO widgets (id, name) VALUES (100, 'gear')").Error; err != nil {
			return err
		}
		require.Empty(t, publisher.all(), "events must not be published before commit")
		return nil
	})
	require.NoError(t, err)

	batches := publisher.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	event := batches[0][0]
	require.Equal(t, ReplicationPush, event.What)
	require.Equal(t, remoteNode, event.ToNode)
	require.Equal(t, widgetsID, event.TableID)
	require.Equal(t, int64(100), event.Key1)
	require.NotZero(t, event.UID)
	require.Zero(t, capture.Pending())
}

func TestCaptureDiscardsEventsOnRollback(t *testing.T) {
	coordinator, capture, publisher := newCaptureCoordinator(t)
	failure := errors.New("abort")

	err := coordinator.WithTransaction(context.Background(), txn.ReadWrite, func(_ context.Context, tx *txn.Tx) error {
		if err := tx.DB.Exec("INSERT INTO widgets (id, name) VALUES (100, 'gear')").Error; err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)
	require.Empty(t, publisher.all())
	require.Zero(t, capture.Pending())
}

func TestCaptureOnlyReportsRowsWrittenByTransaction(t *testing.T) {
	coordinator, _, publisher := newCaptureCoordinator(t)
	ctx := context.Background()

	for _, statement := range []string{
		"INSERT INTO widgets (id, name) VALUES (100, 'gear')",
		"UPDATE widgets SET name = 'cog' WHERE id = 100",
	} {
		err := coordinator.WithTransaction(ctx, txn.ReadWrite, func(_ context.Context, tx *txn.Tx) error {
			return tx.DB.Exec(statement).Error
		})
		require.NoError(t, err)
	}

	batches := publisher.all()
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 1)
	require.Greater(t, batches[1][0].UID, batches[0][0].UID)
}

func TestCaptureSkipsReadOnlyTransactions(t *testing.T) {
	coordinator, capture, publisher := newCaptureCoordinator(t)

	err := coordinator.WithTransaction(context.Background(), txn.ReadOnly, func(_ context.Context, tx *txn.Tx) error {
		var count int64
		return tx.DB.Model(&database.OutgoingReplication{}).Count(&count).Error
	})
	require.NoError(t, err)
	require.Empty(t, publisher.all())
	require.Zero(t, capture.Pending())
}

func TestCaptureRequiresCollaborators(t *testing.T) {
	_, err := NewOutgoingEventCapture(CaptureConfig{Publisher: &recordingPublisher{}})
	require.ErrorIs(t, err, ErrMissingTracker)
	tracker, err := changetrack.NewScratchTableTracker(widgetTables(), nil)
	require.NoError(t, err)
	_, err = NewOutgoingEventCapture(CaptureConfig{Tracker: tracker})
	require.ErrorIs(t, err, ErrMissingPublisher)
}
