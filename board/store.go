package board

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// PersistentStore is the durable collaborator keyed by document id: the
// latest snapshot plus an append-only delta log. The engine treats it as a
// black box. Checkpoints are opaque positions in the delta log; a snapshot
// put records the checkpoint it covers, so recovery is snapshot + tail.
type PersistentStore interface {
	PutSnapshot(documentId Id, snapshotBytes []byte, checkpoint uint64) error
	// returns ErrNoSnapshot when nothing has been stored for the document
	GetSnapshot(documentId Id) (snapshotBytes []byte, checkpoint uint64, err error)
	AppendDelta(documentId Id, deltaBytes []byte) (checkpoint uint64, err error)
	ReadDeltasSince(documentId Id, checkpoint uint64) ([][]byte, error)
	Close() error
}

var snapshotsBucket = []byte("snapshots")
var checkpointsBucket = []byte("checkpoints")

func deltasBucket(documentId Id) []byte {
	return []byte(fmt.Sprintf("deltas.%s", documentId))
}

// LocalStore is the bbolt-backed store used for the local durable log.
type LocalStore struct {
	db *bolt.DB
}

func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(checkpointsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LocalStore{
		db: db,
	}, nil
}

func (self *LocalStore) PutSnapshot(documentId Id, snapshotBytes []byte, checkpoint uint64) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotsBucket).Put(documentId.Bytes(), snapshotBytes); err != nil {
			return err
		}
		var checkpointBytes [8]byte
		binary.BigEndian.PutUint64(checkpointBytes[:], checkpoint)
		return tx.Bucket(checkpointsBucket).Put(documentId.Bytes(), checkpointBytes[:])
	})
}

func (self *LocalStore) GetSnapshot(documentId Id) (snapshotBytes []byte, checkpoint uint64, err error) {
	err = self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket).Get(documentId.Bytes())
		if b == nil {
			return ErrNoSnapshot
		}
		snapshotBytes = append([]byte{}, b...)
		if checkpointBytes := tx.Bucket(checkpointsBucket).Get(documentId.Bytes()); checkpointBytes != nil {
			checkpoint = binary.BigEndian.Uint64(checkpointBytes)
		}
		return nil
	})
	return
}

func (self *LocalStore) AppendDelta(documentId Id, deltaBytes []byte) (checkpoint uint64, err error) {
	err = self.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(deltasBucket(documentId))
		if err != nil {
			return err
		}
		sequence, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], sequence)
		if err := bucket.Put(key[:], deltaBytes); err != nil {
			return err
		}
		checkpoint = sequence
		return nil
	})
	return
}

func (self *LocalStore) ReadDeltasSince(documentId Id, checkpoint uint64) ([][]byte, error) {
	deltas := [][]byte{}
	err := self.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(deltasBucket(documentId))
		if bucket == nil {
			return nil
		}
		var seekKey [8]byte
		binary.BigEndian.PutUint64(seekKey[:], checkpoint+1)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(seekKey[:]); k != nil; k, v = cursor.Next() {
			deltas = append(deltas, append([]byte{}, v...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deltas, nil
}

func (self *LocalStore) Close() error {
	return self.db.Close()
}

// MemoryStore is the ephemeral store used for tests and throwaway sessions.
type MemoryStore struct {
	stateLock sync.Mutex
	snapshots map[Id][]byte
	// checkpoint covered by the stored snapshot
	snapshotCheckpoints map[Id]uint64
	deltas              map[Id][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:           map[Id][]byte{},
		snapshotCheckpoints: map[Id]uint64{},
		deltas:              map[Id][][]byte{},
	}
}

func (self *MemoryStore) PutSnapshot(documentId Id, snapshotBytes []byte, checkpoint uint64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.snapshots[documentId] = append([]byte{}, snapshotBytes...)
	self.snapshotCheckpoints[documentId] = checkpoint
	return nil
}

func (self *MemoryStore) GetSnapshot(documentId Id) ([]byte, uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshotBytes, ok := self.snapshots[documentId]
	if !ok {
		return nil, 0, ErrNoSnapshot
	}
	return append([]byte{}, snapshotBytes...), self.snapshotCheckpoints[documentId], nil
}

func (self *MemoryStore) AppendDelta(documentId Id, deltaBytes []byte) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.deltas[documentId] = append(self.deltas[documentId], append([]byte{}, deltaBytes...))
	return uint64(len(self.deltas[documentId])), nil
}

func (self *MemoryStore) ReadDeltasSince(documentId Id, checkpoint uint64) ([][]byte, error) {
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

func (self *MemoryStore) Close() error {
	return nil
}
