package nodeevent

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/changetrack"
	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"github.com/stretchr/testify/require"
)

func TestInvalidationAdapterDeduplicatesByHighestUID(t *testing.T) {
	db := openReplicatedDatabase(t)
	tables := append(widgetTables(), database.TrackedTable{
		Name: database.OutgoingReplicationTable,
		ID:   database.OutgoingReplicationTableID,
	})
	tracker, err := changetrack.NewScratchTableTracker(tables, nil)
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	adapter, err := NewInvalidationAdapter(InvalidationConfig{
		Database:  db,
		Tracker:   tracker,
		Publisher: publisher,
		BatchSize: 2,
	})
	require.NoError(t, err)
	coordinator, err := txn.NewCoordinator(txn.Config{Database: db, Listeners: []txn.Listener{adapter}})
	require.NoError(t, err)
	ctx := context.Background()

	err = coordinator.WithTransaction(ctx, txn.ReadWrite, func(_ context.Context, tx *txn.Tx) error {
		for _, id := range []int{100, 101, 102} {
			if err := tx.DB.Exec("INSERT INTO widgets (id, name) VALUES (?, 'gear')", id).Error; err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	emitted := 0
	for _, batch := range publisher.all() {
		emitted += len(batch)
	}
	require.Equal(t, 3, emitted)
	highest := adapter.HighestEmitted()
	require.NotZero(t, highest)

	require.NoError(t, adapter.OnTablesChanged(ctx, changetrack.NewTableSet(database.OutgoingReplicationTable)))
	require.Len(t, publisher.all(), 2, "re-invalidation without new rows must not re-emit")

	require.NoError(t, adapter.OnTablesChanged(ctx, changetrack.NewTableSet("widgets")))
	require.Equal(t, highest, adapter.HighestEmitted())
}
