package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/corkboard/board/board"
)

// SnapshotStore is the relay-side durable state per document: the latest
// snapshot bytes pushed by a replica plus the append-only delta log recorded
// since. The relay never interprets either; it stores bytes and serves them
// to late joiners. Checkpoints are positions in the delta log.
type SnapshotStore interface {
	// records the snapshot and the log position it covers
	PutSnapshot(ctx context.Context, documentId string, snapshotBytes []byte) error
	// returns board.ErrNoSnapshot when nothing is stored yet
	GetSnapshot(ctx context.Context, documentId string) (snapshotBytes []byte, checkpoint uint64, err error)
	AppendDelta(ctx context.Context, documentId string, deltaBytes []byte) (checkpoint uint64, err error)
	ReadDeltasSince(ctx context.Context, documentId string, checkpoint uint64) ([][]byte, error)
}

// MemorySnapshots is the in-process store used for tests and single-node
// deployments.
type MemorySnapshots struct {
	stateLock sync.Mutex
	snapshots map[string][]byte
	// log position covered by the stored snapshot
	checkpoints map[string]uint64
	deltas      map[string][][]byte
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{
		snapshots:   map[string][]byte{},
		checkpoints: map[string]uint64{},
		deltas:      map[string][][]byte{},
	}
}

func (self *MemorySnapshots) PutSnapshot(ctx context.Context, documentId string, snapshotBytes []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.snapshots[documentId] = append([]byte{}, snapshotBytes...)
	self.checkpoints[documentId] = uint64(len(self.deltas[documentId]))
	return nil
}

func (self *MemorySnapshots) GetSnapshot(ctx context.Context, documentId string) ([]byte, uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshotBytes, ok := self.snapshots[documentId]
	if !ok {
		return nil, 0, board.ErrNoSnapshot
	}
	return append([]byte{}, snapshotBytes...), self.checkpoints[documentId], nil
}

func (self *MemorySnapshots) AppendDelta(ctx context.Context, documentId string, deltaBytes []byte) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.deltas[documentId] = append(self.deltas[documentId], append([]byte{}, deltaBytes...))
	return uint64(len(self.deltas[documentId])), nil
}

func (self *MemorySnapshots) ReadDeltasSince(ctx context.Context, documentId string, checkpoint uint64) ([][]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	all := self.deltas[documentId]
	if uint64(len(all)) <= checkpoint {
		return [][]byte{}, nil
	}
	deltas := make([][]byte, 0, uint64(len(all))-checkpoint)
	for _, deltaBytes := range all[checkpoint:] {
		deltas = append(deltas, append([]byte{}, deltaBytes...))
	}
	return deltas, nil
}

// RedisSnapshots backs the store with redis so multiple relay nodes can
// serve the same documents.
type RedisSnapshots struct {
	client *redis.Client
}

func NewRedisSnapshots(client *redis.Client) *RedisSnapshots {
	return &RedisSnapshots{
		client: client,
	}
}

func snapshotKey(documentId string) string {
	return fmt.Sprintf("board:snapshot:%s", documentId)
}

func checkpointKey(documentId string) string {
	return fmt.Sprintf("board:checkpoint:%s", documentId)
}

func deltasKey(documentId string) string {
	return fmt.Sprintf("board:deltas:%s", documentId)
}

func (self *RedisSnapshots) PutSnapshot(ctx context.Context, documentId string, snapshotBytes []byte) error {
	checkpoint, err := self.client.LLen(ctx, deltasKey(documentId)).Result()
	if err != nil {
		return err
	}
	_, err = self.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, snapshotKey(documentId), snapshotBytes, 0)
		pipe.Set(ctx, checkpointKey(documentId), checkpoint, 0)
		return nil
	})
	return err
}

func (self *RedisSnapshots) GetSnapshot(ctx context.Context, documentId string) ([]byte, uint64, error) {
	snapshotBytes, err := self.client.Get(ctx, snapshotKey(documentId)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, board.ErrNoSnapshot
		}
		return nil, 0, err
	}
	checkpoint, err := self.client.Get(ctx, checkpointKey(documentId)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}
	return snapshotBytes, checkpoint, nil
}

func (self *RedisSnapshots) AppendDelta(ctx context.Context, documentId string, deltaBytes []byte) (uint64, error) {
	length, err := self.client.RPush(ctx, deltasKey(documentId), deltaBytes).Result()
	if err != nil {
		return 0, err
	}
	return uint64(length), nil
}

func (self *RedisSnapshots) ReadDeltasSince(ctx context.Context, documentId string, checkpoint uint64) ([][]byte, error) {
	values, err := self.client.LRange(ctx, deltasKey(documentId), int64(checkpoint), -1).Result()
	if err != nil {
		return nil, err
	}
	deltas := make([][]byte, 0, len(values))
	for _, value := range values {
		deltas = append(deltas, []byte(value))
	}
	return deltas, nil
}
