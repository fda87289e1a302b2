package board

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Doc is the replicated document store for one collaborative session: the set
// of objects and relations that can be mutated independently by any replica
// and merged deterministically.
//
// Every mutable field is a last-writer-wins register keyed by a Stamp
// (counter, replica id), so ApplyRemote is commutative, associative, and
// idempotent. Two replicas that have received the same set of deltas converge
// to identical state regardless of delivery order or duplication.
//
// Deletion is tombstone-only. A tombstoned object stays in the store, in
// Snapshot, and in ApplyRemote; it is filtered only by the read projection.
// Filtering earlier breaks recovery and undo of delete.
//
// ApplyLocal and ApplyRemote are serialized on one mutex; there is a single
// writer per replica instance. Reads materialize values and never hand out
// references into live state.
type Doc struct {
	documentId Id
	replicaId  Id

	stateLock sync.Mutex

	objects   map[Id]*objectState
	relations map[Id]*relationState

	// high-water counter per replica, used to seed local stamps above
	// everything observed
	clocks     map[Id]uint64
	maxCounter uint64

	index *SpatialIndex
}

type objectState struct {
	objectId Id
	// present flips once when a create is observed; field writes arriving
	// before the create accumulate and the object surfaces when it arrives
	present    bool
	position   lww[Point]
	size       lww[Size]
	content    lww[Content]
	paintOrder lww[int64]
	locked     lww[bool]
	deleted    lww[bool]
}

type relationState struct {
	relationId   Id
	present      bool
	sourceId     Id
	targetId     Id
	sourceAnchor Anchor
	targetAnchor Anchor
	createStamp  Stamp
	label        lww[string]
	deleted      lww[bool]
}

// index may be nil when the doc is used without a spatial index (tests,
// server-side tooling)
func NewDoc(documentId Id, replicaId Id, index *SpatialIndex) *Doc {
	return &Doc{
		documentId: documentId,
		replicaId:  replicaId,
		objects:    map[Id]*objectState{},
		relations:  map[Id]*relationState{},
		clocks:     map[Id]uint64{},
		index:      index,
	}
}

func (self *Doc) DocumentId() Id {
	return self.documentId
}

func (self *Doc) ReplicaId() Id {
	return self.replicaId
}

// ApplyLocal applies one locally-originated mutation immediately and returns
// the serializable delta representing exactly that change. The op is one of
// the delta message structs with a zero stamp; the stamp is assigned here.
func (self *Doc) ApplyLocal(op any) (*Frame, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stamp := self.nextStampLocked()
	wireStamp := ToWireStamp(stamp)
	switch v := op.(type) {
	case *ObjectCreate:
		v.Stamp = wireStamp
	case *ObjectSetPosition:
		v.Stamp = wireStamp
	case *ObjectSetSize:
		v.Stamp = wireStamp
	case *ObjectSetContent:
		v.Stamp = wireStamp
	case *ObjectSetPaintOrder:
		v.Stamp = wireStamp
	case *ObjectSetLocked:
		v.Stamp = wireStamp
	case *ObjectSetDeleted:
		v.Stamp = wireStamp
	case *RelationCreate:
		v.Stamp = wireStamp
	case *RelationSetLabel:
		v.Stamp = wireStamp
	case *RelationSetDeleted:
		v.Stamp = wireStamp
	default:
		return nil, fmt.Errorf("unknown op type: %T", v)
	}

	if err := self.applyMessageLocked(op); err != nil {
		return nil, err
	}
	return ToFrame(op)
}

// ApplyRemote applies a delta received from another replica. Deltas may
// arrive in any order and any number of times. Malformed deltas are dropped
// and logged; unknown message types are skipped for forward compatibility.
// Never panics on network input.
func (self *Doc) ApplyRemote(frame *Frame) error {
	if !frame.MessageType.IsDelta() {
		glog.V(1).Infof("[doc]%s drop non-delta frame %s\n", self.documentId, frame.MessageType)
		return nil
	}
	message, err := FromFrame(frame)
	if err != nil {
		if errors.Is(err, errUnknownMessageType) {
			// forward compatibility: skip and log
			glog.V(1).Infof("[doc]%s skip unknown delta %d\n", self.documentId, uint8(frame.MessageType))
			return nil
		}
		glog.Infof("[doc]%s drop delta = %s\n", self.documentId, err)
		return ErrMalformedDelta
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.applyMessageLocked(message); err != nil {
		glog.Infof("[doc]%s drop delta %s = %s\n", self.documentId, frame.MessageType, err)
		return ErrMalformedDelta
	}
	return nil
}

func (self *Doc) ApplyRemoteBytes(deltaBytes []byte) error {
	frame, err := DecodeFrame(deltaBytes)
	if err != nil {
		glog.Infof("[doc]%s drop delta = %s\n", self.documentId, err)
		return ErrMalformedDelta
	}
	return self.ApplyRemote(frame)
}

func (self *Doc) applyMessageLocked(message any) error {
	switch v := message.(type) {
	case *ObjectCreate:
		return self.applyObjectCreateLocked(v)
	case *ObjectSetPosition:
		return self.applyObjectFieldLocked(v.ObjectId, v.Stamp, func(obj *objectState, stamp Stamp) error {
			position := Point{X: v.X, Y: v.Y}
			if !position.IsFinite() {
				return fmt.Errorf("position must be finite")
			}
			obj.position.set(position, stamp)
			return nil
		})
	case *ObjectSetSize:
		return self.applyObjectFieldLocked(v.ObjectId, v.Stamp, func(obj *objectState, stamp Stamp) error {
			size := Size{W: v.W, H: v.H}
			if !size.IsValid() {
				return fmt.Errorf("size must be finite and non-negative")
			}
			obj.size.set(size, stamp)
			return nil
		})
	case *ObjectSetContent:
		return self.applyObjectFieldLocked(v.ObjectId, v.Stamp, func(obj *objectState, stamp Stamp) error {
			obj.content.set(Content{Kind: v.ContentKind, Data: v.ContentData}, stamp)
			return nil
		})
	case *ObjectSetPaintOrder:
		return self.applyObjectFieldLocked(v.ObjectId, v.Stamp, func(obj *objectState, stamp Stamp) error {
			obj.paintOrder.set(v.PaintOrder, stamp)
			return nil
		})
	case *ObjectSetLocked:
		return self.applyObjectFieldLocked(v.ObjectId, v.Stamp, func(obj *objectState, stamp Stamp) error {
			obj.locked.set(v.Locked, stamp)
			return nil
		})
	case *ObjectSetDeleted:
		return self.applyObjectFieldLocked(v.ObjectId, v.Stamp, func(obj *objectState, stamp Stamp) error {
			obj.deleted.set(v.Deleted, stamp)
			return nil
		})
	case *RelationCreate:
		return self.applyRelationCreateLocked(v)
	case *RelationSetLabel:
		return self.applyRelationFieldLocked(v.RelationId, v.Stamp, func(rel *relationState, stamp Stamp) {
			rel.label.set(v.Label, stamp)
		})
	case *RelationSetDeleted:
		return self.applyRelationFieldLocked(v.RelationId, v.Stamp, func(rel *relationState, stamp Stamp) {
			rel.deleted.set(v.Deleted, stamp)
		})
	default:
		// forward compatibility: skip and log
		glog.V(1).Infof("[doc]%s skip unknown message %T\n", self.documentId, v)
		return nil
	}
}

func (self *Doc) applyObjectCreateLocked(v *ObjectCreate) error {
	objectId, err := IdFromBytes(v.ObjectId)
	if err != nil {
		return err
	}
	stamp, err := v.Stamp.Stamp()
	if err != nil {
		return err
	}
	position := Point{X: v.X, Y: v.Y}
	size := Size{W: v.W, H: v.H}
	if !position.IsFinite() {
		return fmt.Errorf("position must be finite")
	}
	if !size.IsValid() {
		return fmt.Errorf("size must be finite and non-negative")
	}
	self.observeStampLocked(stamp)

	obj := self.objectLocked(objectId)
	before, hadBefore := self.liveBoxLocked(obj)

	obj.present = true
	obj.position.set(position, stamp)
	obj.size.set(size, stamp)
	obj.content.set(Content{Kind: v.ContentKind, Data: v.ContentData}, stamp)
	obj.paintOrder.set(v.PaintOrder, stamp)
	obj.locked.set(false, stamp)
	// a delete delta with a newer stamp wins over a delayed create, so a
	// deleted object cannot be resurrected by replay
	obj.deleted.set(false, stamp)

	self.updateIndexLocked(obj, before, hadBefore)
	return nil
}

func (self *Doc) applyObjectFieldLocked(
	objectIdBytes []byte,
	wireStamp WireStamp,
	set func(obj *objectState, stamp Stamp) error,
) error {
	objectId, err := IdFromBytes(objectIdBytes)
	if err != nil {
		return err
	}
	stamp, err := wireStamp.Stamp()
	if err != nil {
		return err
	}
	self.observeStampLocked(stamp)

	obj := self.objectLocked(objectId)
	before, hadBefore := self.liveBoxLocked(obj)
	if err := set(obj, stamp); err != nil {
		return err
	}
	self.updateIndexLocked(obj, before, hadBefore)
	return nil
}

func (self *Doc) applyRelationCreateLocked(v *RelationCreate) error {
	relationId, err := IdFromBytes(v.RelationId)
	if err != nil {
		return err
	}
	sourceId, err := IdFromBytes(v.SourceId)
	if err != nil {
		return err
	}
	targetId, err := IdFromBytes(v.TargetId)
	if err != nil {
		return err
	}
	stamp, err := v.Stamp.Stamp()
	if err != nil {
		return err
	}
	self.observeStampLocked(stamp)

	rel := self.relationLocked(relationId)
	if !rel.present || stamp.After(rel.createStamp) {
		rel.present = true
		rel.sourceId = sourceId
		rel.targetId = targetId
		rel.sourceAnchor = Anchor(v.SourceAnchor)
		rel.targetAnchor = Anchor(v.TargetAnchor)
		rel.createStamp = stamp
	}
	rel.label.set(v.Label, stamp)
	rel.deleted.set(false, stamp)
	return nil
}

func (self *Doc) applyRelationFieldLocked(
	relationIdBytes []byte,
	wireStamp WireStamp,
	set func(rel *relationState, stamp Stamp),
) error {
	relationId, err := IdFromBytes(relationIdBytes)
	if err != nil {
		return err
	}
	stamp, err := wireStamp.Stamp()
	if err != nil {
		return err
	}
	self.observeStampLocked(stamp)

	rel := self.relationLocked(relationId)
	set(rel, stamp)
	return nil
}

func (self *Doc) objectLocked(objectId Id) *objectState {
	obj, ok := self.objects[objectId]
	if !ok {
		obj = &objectState{
			objectId: objectId,
		}
		self.objects[objectId] = obj
	}
	return obj
}

func (self *Doc) relationLocked(relationId Id) *relationState {
	rel, ok := self.relations[relationId]
	if !ok {
		rel = &relationState{
			relationId: relationId,
		}
		self.relations[relationId] = rel
	}
	return rel
}

func (self *Doc) observeStampLocked(stamp Stamp) {
	if self.clocks[stamp.Replica] < stamp.Counter {
		self.clocks[stamp.Replica] = stamp.Counter
	}
	if self.maxCounter < stamp.Counter {
		self.maxCounter = stamp.Counter
	}
}

func (self *Doc) nextStampLocked() Stamp {
	stamp := Stamp{
		Counter: self.maxCounter + 1,
		Replica: self.replicaId,
	}
	self.observeStampLocked(stamp)
	return stamp
}

// the spatial entry exists only for live objects (present and not tombstoned)
func (self *Doc) liveBoxLocked(obj *objectState) (Rect, bool) {
	if !obj.present || obj.deleted.value {
		return Rect{}, false
	}
	return RectFromPositionSize(obj.position.value, obj.size.value), true
}

func (self *Doc) updateIndexLocked(obj *objectState, before Rect, hadBefore bool) {
	if self.index == nil {
		return
	}
	after, hasAfter := self.liveBoxLocked(obj)
	switch {
	case hadBefore && hasAfter:
		if before != after {
			self.index.Update(obj.objectId, after)
		}
	case !hadBefore && hasAfter:
		self.index.Insert(obj.objectId, after)
	case hadBefore && !hasAfter:
		self.index.Remove(obj.objectId)
	}
}

// reads

func (self *Doc) GetObject(objectId Id) (Object, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	obj, ok := self.objects[objectId]
	if !ok || !obj.present {
		return Object{}, false
	}
	return materializeObject(obj), true
}

func (self *Doc) GetRelation(relationId Id) (Relation, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rel, ok := self.relations[relationId]
	if !ok || !rel.present {
		return Relation{}, false
	}
	return materializeRelation(rel), true
}

// Objects materializes the objects for the given ids, skipping ids with no
// observed create. Tombstoned objects are returned with Deleted set; only the
// view projection filters them.
func (self *Doc) Objects(objectIds []Id) []Object {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	objects := make([]Object, 0, len(objectIds))
	for _, objectId := range objectIds {
		if obj, ok := self.objects[objectId]; ok && obj.present {
			objects = append(objects, materializeObject(obj))
		}
	}
	return objects
}

func (self *Doc) AllRelations() []Relation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	relations := make([]Relation, 0, len(self.relations))
	for _, rel := range self.relations {
		if rel.present {
			relations = append(relations, materializeRelation(rel))
		}
	}
	return relations
}

func materializeObject(obj *objectState) Object {
	return Object{
		Id:         obj.objectId,
		Position:   obj.position.value,
		Size:       obj.size.value,
		Content:    obj.content.value,
		PaintOrder: obj.paintOrder.value,
		Locked:     obj.locked.value,
		Deleted:    obj.deleted.value,
	}
}

func materializeRelation(rel *relationState) Relation {
	return Relation{
		Id:           rel.relationId,
		SourceId:     rel.sourceId,
		TargetId:     rel.targetId,
		SourceAnchor: rel.sourceAnchor,
		TargetAnchor: rel.targetAnchor,
		Label:        rel.label.value,
		Deleted:      rel.deleted.value,
	}
}

// snapshots

// Snapshot returns the full current state, including tombstones and entries
// holding field writes buffered ahead of their create, plus the high-water
// logical clock per replica. Used for persistence checkpoints and new-replica
// bootstrap.
func (self *Doc) Snapshot() *WireSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := &WireSnapshot{
		DocumentId: self.documentId.Bytes(),
		Objects:    []*WireObject{},
		Relations:  []*WireRelation{},
		Clocks:     map[string]uint64{},
	}
	for replicaId, counter := range self.clocks {
		snapshot.Clocks[replicaId.String()] = counter
	}
	for _, obj := range self.objects {
		snapshot.Objects = append(snapshot.Objects, &WireObject{
			ObjectId:        obj.objectId.Bytes(),
			Present:         obj.present,
			X:               obj.position.value.X,
			Y:               obj.position.value.Y,
			PositionStamp:   ToWireStamp(obj.position.stamp),
			W:               obj.size.value.W,
			H:               obj.size.value.H,
			SizeStamp:       ToWireStamp(obj.size.stamp),
			ContentKind:     obj.content.value.Kind,
			ContentData:     obj.content.value.Data,
			ContentStamp:    ToWireStamp(obj.content.stamp),
			PaintOrder:      obj.paintOrder.value,
			PaintOrderStamp: ToWireStamp(obj.paintOrder.stamp),
			Locked:          obj.locked.value,
			LockedStamp:     ToWireStamp(obj.locked.stamp),
			Deleted:         obj.deleted.value,
			DeletedStamp:    ToWireStamp(obj.deleted.stamp),
		})
	}
	for _, rel := range self.relations {
		snapshot.Relations = append(snapshot.Relations, &WireRelation{
			RelationId:   rel.relationId.Bytes(),
			Present:      rel.present,
			SourceId:     rel.sourceId.Bytes(),
			TargetId:     rel.targetId.Bytes(),
			SourceAnchor: uint8(rel.sourceAnchor),
			TargetAnchor: uint8(rel.targetAnchor),
			Label:        rel.label.value,
			LabelStamp:   ToWireStamp(rel.label.stamp),
			Deleted:      rel.deleted.value,
			DeletedStamp: ToWireStamp(rel.deleted.stamp),
			CreateStamp:  ToWireStamp(rel.createStamp),
		})
	}
	return snapshot
}

// LoadSnapshot replaces the current state. Used on cold start and on resync
// after prolonged disconnect. Returns ErrSnapshotCorrupt when the snapshot
// cannot be used; the previous state is untouched in that case.
func (self *Doc) LoadSnapshot(snapshot *WireSnapshot) error {
	objects := map[Id]*objectState{}
	relations := map[Id]*relationState{}
	clocks := map[Id]uint64{}
	maxCounter := uint64(0)

	for replicaIdStr, counter := range snapshot.Clocks {
		replicaId, err := ParseId(replicaIdStr)
		if err != nil {
			return ErrSnapshotCorrupt
		}
		clocks[replicaId] = counter
		if maxCounter < counter {
			maxCounter = counter
		}
	}
	for _, wireObj := range snapshot.Objects {
		obj, err := objectStateFromWire(wireObj)
		if err != nil {
			return ErrSnapshotCorrupt
		}
		objects[obj.objectId] = obj
	}
	for _, wireRel := range snapshot.Relations {
		rel, err := relationStateFromWire(wireRel)
		if err != nil {
			return ErrSnapshotCorrupt
		}
		relations[rel.relationId] = rel
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.objects = objects
	self.relations = relations
	self.clocks = clocks
	// local stamps must order after everything in the snapshot
	self.maxCounter = maxCounter

	if self.index != nil {
		entries := []SpatialEntry{}
		for _, obj := range self.objects {
			if box, ok := self.liveBoxLocked(obj); ok {
				entries = append(entries, SpatialEntry{
					ObjectId: obj.objectId,
					Box:      box,
				})
			}
		}
		self.index.Rebuild(entries)
	}
	return nil
}

func objectStateFromWire(wireObj *WireObject) (*objectState, error) {
	objectId, err := IdFromBytes(wireObj.ObjectId)
	if err != nil {
		return nil, err
	}
	position := Point{X: wireObj.X, Y: wireObj.Y}
	size := Size{W: wireObj.W, H: wireObj.H}
	if !position.IsFinite() || !size.IsValid() {
		return nil, fmt.Errorf("invalid geometry")
	}
	positionStamp, err := wireObj.PositionStamp.Stamp()
	if err != nil {
		return nil, err
	}
	sizeStamp, err := wireObj.SizeStamp.Stamp()
	if err != nil {
		return nil, err
	}
	contentStamp, err := wireObj.ContentStamp.Stamp()
	if err != nil {
		return nil, err
	}
	paintOrderStamp, err := wireObj.PaintOrderStamp.Stamp()
	if err != nil {
		return nil, err
	}
	lockedStamp, err := wireObj.LockedStamp.Stamp()
	if err != nil {
		return nil, err
	}
	deletedStamp, err := wireObj.DeletedStamp.Stamp()
	if err != nil {
		return nil, err
	}
	return &objectState{
		objectId:   objectId,
		present:    wireObj.Present,
		position:   lww[Point]{value: position, stamp: positionStamp},
		size:       lww[Size]{value: size, stamp: sizeStamp},
		content:    lww[Content]{value: Content{Kind: wireObj.ContentKind, Data: wireObj.ContentData}, stamp: contentStamp},
		paintOrder: lww[int64]{value: wireObj.PaintOrder, stamp: paintOrderStamp},
		locked:     lww[bool]{value: wireObj.Locked, stamp: lockedStamp},
		deleted:    lww[bool]{value: wireObj.Deleted, stamp: deletedStamp},
	}, nil
}

func relationStateFromWire(wireRel *WireRelation) (*relationState, error) {
	relationId, err := IdFromBytes(wireRel.RelationId)
	if err != nil {
		return nil, err
	}
	sourceId, err := IdFromBytes(wireRel.SourceId)
	if err != nil {
		return nil, err
	}
	targetId, err := IdFromBytes(wireRel.TargetId)
	if err != nil {
		return nil, err
	}
	labelStamp, err := wireRel.LabelStamp.Stamp()
	if err != nil {
		return nil, err
	}
	deletedStamp, err := wireRel.DeletedStamp.Stamp()
	if err != nil {
		return nil, err
	}
	createStamp, err := wireRel.CreateStamp.Stamp()
	if err != nil {
		return nil, err
	}
	return &relationState{
		relationId:   relationId,
		present:      wireRel.Present,
		sourceId:     sourceId,
		targetId:     targetId,
		sourceAnchor: Anchor(wireRel.SourceAnchor),
		targetAnchor: Anchor(wireRel.TargetAnchor),
		createStamp:  createStamp,
		label:        lww[string]{value: wireRel.Label, stamp: labelStamp},
		deleted:      lww[bool]{value: wireRel.Deleted, stamp: deletedStamp},
	}, nil
}

// Clocks returns a copy of the per-replica high-water counters.
func (self *Doc) Clocks() map[Id]uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clocks := map[Id]uint64{}
	maps.Copy(clocks, self.clocks)
	return clocks
}
