package board

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStampOrder(t *testing.T) {
	replicaA := RequireIdFromBytes(make([]byte, 16))
	bBytes := make([]byte, 16)
	bBytes[15] = 1
	replicaB := RequireIdFromBytes(bBytes)

	// counter dominates
	assert.Equal(t, true, Stamp{Counter: 2, Replica: replicaA}.After(Stamp{Counter: 1, Replica: replicaB}))
	assert.Equal(t, false, Stamp{Counter: 1, Replica: replicaB}.After(Stamp{Counter: 2, Replica: replicaA}))

	// equal counters break the tie by replica id, deterministically
	a := Stamp{Counter: 5, Replica: replicaA}
	b := Stamp{Counter: 5, Replica: replicaB}
	assert.Equal(t, true, b.After(a))
	assert.Equal(t, false, a.After(b))

	// a stamp never orders after itself
	assert.Equal(t, false, a.After(a))
}

func TestLwwSet(t *testing.T) {
	replicaA := NewId()
	replicaB := NewId()

	field := lww[float64]{}
	assert.Equal(t, true, field.set(1, Stamp{Counter: 1, Replica: replicaA}))
	assert.Equal(t, float64(1), field.value)

	// an older write loses
	assert.Equal(t, false, field.set(2, Stamp{Counter: 0, Replica: replicaB}))
	assert.Equal(t, float64(1), field.value)

	// a newer write wins
	assert.Equal(t, true, field.set(3, Stamp{Counter: 2, Replica: replicaB}))
	assert.Equal(t, float64(3), field.value)

	// replaying the winner is a no-op
	assert.Equal(t, false, field.set(3, Stamp{Counter: 2, Replica: replicaB}))
}
