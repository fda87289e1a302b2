package board

// Stamp is the per-field logical clock: a monotonically increasing counter
// seeded per replica, with ties between replicas broken by replica id. The
// ordering is total, which makes last-writer-wins merges commutative,
// associative, and idempotent regardless of delivery order or duplication.
//
// The zero Stamp orders before every written stamp.
type Stamp struct {
	Counter uint64
	Replica Id
}

func (self Stamp) After(stamp Stamp) bool {
	if self.Counter != stamp.Counter {
		return stamp.Counter < self.Counter
	}
	return 0 < self.Replica.Cmp(stamp.Replica)
}

func (self Stamp) IsZero() bool {
	return self.Counter == 0
}

// lww is a single last-writer-wins register. set applies a write only if its
// stamp orders strictly after the current stamp, so replaying the same write
// is a no-op.
type lww[T any] struct {
	value T
	stamp Stamp
}

func (self *lww[T]) set(value T, stamp Stamp) bool {
	if !stamp.After(self.stamp) {
		return false
	}
	self.value = value
	self.stamp = stamp
	return true
}
