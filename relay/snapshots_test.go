package relay

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/corkboard/board/board"
)

func TestMemorySnapshots(t *testing.T) {
	ctx := context.Background()
	snapshots := NewMemorySnapshots()
	documentId := board.NewId().String()

	_, _, err := snapshots.GetSnapshot(ctx, documentId)
	assert.Equal(t, board.ErrNoSnapshot, err)

	checkpoint1, err := snapshots.AppendDelta(ctx, documentId, []byte("delta-1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), checkpoint1)

	// the snapshot covers the log up to its put
	assert.Equal(t, nil, snapshots.PutSnapshot(ctx, documentId, []byte("snapshot-1")))
	checkpoint2, err := snapshots.AppendDelta(ctx, documentId, []byte("delta-2"))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), checkpoint2)

	snapshotBytes, checkpoint, err := snapshots.GetSnapshot(ctx, documentId)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("snapshot-1"), snapshotBytes)
	assert.Equal(t, checkpoint1, checkpoint)

	// a late joiner replays only the tail past the snapshot
	deltas, err := snapshots.ReadDeltasSince(ctx, documentId, checkpoint)
	assert.Equal(t, nil, err)
	assert.Equal(t, [][]byte{[]byte("delta-2")}, deltas)

	deltas, err = snapshots.ReadDeltasSince(ctx, documentId, checkpoint2)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(deltas))
}
