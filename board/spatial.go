package board

import (
	"sync"
)

// SpatialIndex answers "which objects intersect this region" in sub-linear
// time. It is a quadtree over a dynamically-expanding universe. Entries are
// stored at the deepest node that fully contains their box, so boxes that
// straddle a split line live at the internal node.
//
// The index is derived state, never authoritative: it is always rebuildable
// from the document.
//
// Degenerate inputs (zero-size boxes, thousands of identical boxes) cannot
// recurse past MaxDepth; past it a node holds its entries in a flat list.
type SpatialIndexSettings struct {
	MaxDepth     int
	NodeCapacity int
	// universe used before the first insert and by Rebuild on an empty set
	SeedUniverse Rect
}

func DefaultSpatialIndexSettings() *SpatialIndexSettings {
	return &SpatialIndexSettings{
		MaxDepth:     12,
		NodeCapacity: 8,
		SeedUniverse: Rect{MinX: -4096, MinY: -4096, MaxX: 4096, MaxY: 4096},
	}
}

type SpatialEntry struct {
	ObjectId Id
	Box      Rect
}

type SpatialIndex struct {
	settings *SpatialIndexSettings

	stateLock sync.Mutex
	root      *quadNode
	// current box per id, needed for Remove and Update
	boxes map[Id]Rect
}

type quadNode struct {
	box      Rect
	depth    int
	entries  []SpatialEntry
	children *[4]*quadNode
}

func NewSpatialIndexWithDefaults() *SpatialIndex {
	return NewSpatialIndex(DefaultSpatialIndexSettings())
}

func NewSpatialIndex(settings *SpatialIndexSettings) *SpatialIndex {
	return &SpatialIndex{
		settings: settings,
		root: &quadNode{
			box: settings.SeedUniverse,
		},
		boxes: map[Id]Rect{},
	}
}

func (self *SpatialIndex) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.boxes)
}

func (self *SpatialIndex) Insert(objectId Id, box Rect) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.boxes[objectId]; ok {
		self.removeLocked(objectId)
	}
	self.insertLocked(SpatialEntry{ObjectId: objectId, Box: box})
}

func (self *SpatialIndex) Remove(objectId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.removeLocked(objectId)
}

func (self *SpatialIndex) Update(objectId Id, box Rect) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.boxes[objectId]; ok {
		if current == box {
			return
		}
		self.removeLocked(objectId)
	}
	self.insertLocked(SpatialEntry{ObjectId: objectId, Box: box})
}

// Query returns every id whose box intersects region expanded by margin.
// Order is unspecified; callers sort by paint order.
func (self *SpatialIndex) Query(region Rect, margin float64) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	expanded := region.Expand(margin)
	objectIds := []Id{}
	self.root.query(expanded, &objectIds)
	return objectIds
}

// Rebuild reconstructs the tree from scratch. Used after loading a snapshot.
func (self *SpatialIndex) Rebuild(entries []SpatialEntry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	universe := self.settings.SeedUniverse
	for _, entry := range entries {
		universe = universe.Union(entry.Box)
	}
	self.root = &quadNode{
		box: universe,
	}
	self.boxes = map[Id]Rect{}
	for _, entry := range entries {
		self.insertLocked(entry)
	}
}

func (self *SpatialIndex) Clear() {
	self.Rebuild(nil)
}

func (self *SpatialIndex) insertLocked(entry SpatialEntry) {
	// grow the universe by rebuilding when the entry falls outside. Doubling
	// keeps growth amortized; a rebuild walks every entry once.
	if !self.root.box.Contains(entry.Box) {
		universe := self.root.box
		for !universe.Contains(entry.Box) {
			w := universe.MaxX - universe.MinX
			h := universe.MaxY - universe.MinY
			universe = Rect{
				MinX: universe.MinX - w/2,
				MinY: universe.MinY - h/2,
				MaxX: universe.MaxX + w/2,
				MaxY: universe.MaxY + h/2,
			}
		}
		self.root = &quadNode{
			box: universe,
		}
		for objectId, box := range self.boxes {
			self.root.insert(SpatialEntry{ObjectId: objectId, Box: box}, self.settings)
		}
	}
	self.root.insert(entry, self.settings)
	self.boxes[entry.ObjectId] = entry.Box
}

func (self *SpatialIndex) removeLocked(objectId Id) {
	box, ok := self.boxes[objectId]
	if !ok {
		return
	}
	delete(self.boxes, objectId)
	self.root.remove(objectId, box)
}

func (self *quadNode) insert(entry SpatialEntry, settings *SpatialIndexSettings) {
	if self.children == nil {
		if len(self.entries) < settings.NodeCapacity || settings.MaxDepth <= self.depth {
			self.entries = append(self.entries, entry)
			return
		}
		self.split(settings)
	}
	if child := self.childContaining(entry.Box); child != nil {
		child.insert(entry, settings)
		return
	}
	// straddles a split line
	self.entries = append(self.entries, entry)
}

func (self *quadNode) split(settings *SpatialIndexSettings) {
	cx := (self.box.MinX + self.box.MaxX) / 2
	cy := (self.box.MinY + self.box.MaxY) / 2
	children := &[4]*quadNode{
		{box: Rect{MinX: self.box.MinX, MinY: self.box.MinY, MaxX: cx, MaxY: cy}, depth: self.depth + 1},
		{box: Rect{MinX: cx, MinY: self.box.MinY, MaxX: self.box.MaxX, MaxY: cy}, depth: self.depth + 1},
		{box: Rect{MinX: self.box.MinX, MinY: cy, MaxX: cx, MaxY: self.box.MaxY}, depth: self.depth + 1},
		{box: Rect{MinX: cx, MinY: cy, MaxX: self.box.MaxX, MaxY: self.box.MaxY}, depth: self.depth + 1},
	}
	self.children = children

	entries := self.entries
	self.entries = nil
	for _, entry := range entries {
		if child := self.childContaining(entry.Box); child != nil {
			child.insert(entry, settings)
		} else {
			self.entries = append(self.entries, entry)
		}
	}
}

func (self *quadNode) childContaining(box Rect) *quadNode {
	if self.children == nil {
		return nil
	}
	for _, child := range self.children {
		if child.box.Contains(box) {
			return child
		}
	}
	return nil
}

func (self *quadNode) remove(objectId Id, box Rect) bool {
	for i, entry := range self.entries {
		if entry.ObjectId == objectId {
			n := len(self.entries)
			self.entries[i] = self.entries[n-1]
			self.entries = self.entries[:n-1]
			return true
		}
	}
	if child := self.childContaining(box); child != nil {
		return child.remove(objectId, box)
	}
	return false
}

func (self *quadNode) query(region Rect, objectIds *[]Id) {
	if !self.box.Intersects(region) {
		return
	}
	for _, entry := range self.entries {
		if entry.Box.Intersects(region) {
			*objectIds = append(*objectIds, entry.ObjectId)
		}
	}
	if self.children != nil {
		for _, child := range self.children {
			child.query(region, objectIds)
		}
	}
}
