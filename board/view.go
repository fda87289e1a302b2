package board

import (
	"slices"
)

// View derives the render-ready projection of the document: the objects
// intersecting a viewport region (expanded by a prefetch margin), tombstones
// filtered, sorted by paint order with ties broken by id, plus the relations
// whose connector should be drawn. Read-only; never mutates the store or the
// index.
//
// This is the only place tombstones are filtered. Snapshots and remote merges
// keep them, so recovery and undo of delete keep working.
type View struct {
	doc    *Doc
	index  *SpatialIndex
	margin float64
}

func NewView(doc *Doc, index *SpatialIndex, margin float64) *View {
	return &View{
		doc:    doc,
		index:  index,
		margin: margin,
	}
}

func (self *View) Visible(region Rect) ([]Object, []Relation) {
	objectIds := self.index.Query(region, self.margin)
	objects := self.doc.Objects(objectIds)

	visible := make([]Object, 0, len(objects))
	for _, obj := range objects {
		if obj.Deleted {
			continue
		}
		visible = append(visible, obj)
	}
	slices.SortFunc(visible, func(a Object, b Object) int {
		if a.PaintOrder != b.PaintOrder {
			if a.PaintOrder < b.PaintOrder {
				return -1
			}
			return 1
		}
		return a.Id.Cmp(b.Id)
	})

	visibleIds := map[Id]bool{}
	for _, obj := range visible {
		visibleIds[obj.Id] = true
	}

	// a relation is drawn when both endpoints are visible, or when its
	// connector segment crosses the region even though an endpoint is
	// off-screen. Otherwise connectors would visually truncate at the edge.
	expanded := region.Expand(self.margin)
	relations := []Relation{}
	for _, rel := range self.doc.AllRelations() {
		if rel.Deleted {
			continue
		}
		source, sourceOk := self.doc.GetObject(rel.SourceId)
		target, targetOk := self.doc.GetObject(rel.TargetId)
		if !sourceOk || !targetOk || source.Deleted || target.Deleted {
			continue
		}
		if visibleIds[rel.SourceId] && visibleIds[rel.TargetId] {
			relations = append(relations, rel)
			continue
		}
		a := anchorPoint(&source, rel.SourceAnchor)
		b := anchorPoint(&target, rel.TargetAnchor)
		if segmentIntersectsRect(a, b, expanded) {
			relations = append(relations, rel)
		}
	}
	slices.SortFunc(relations, func(a Relation, b Relation) int {
		return a.Id.Cmp(b.Id)
	})

	return visible, relations
}

func anchorPoint(obj *Object, anchor Anchor) Point {
	box := obj.Box()
	center := box.Center()
	switch anchor {
	case AnchorTop:
		return Point{X: center.X, Y: box.MinY}
	case AnchorRight:
		return Point{X: box.MaxX, Y: center.Y}
	case AnchorBottom:
		return Point{X: center.X, Y: box.MaxY}
	case AnchorLeft:
		return Point{X: box.MinX, Y: center.Y}
	default:
		return center
	}
}

func segmentIntersectsRect(a Point, b Point, rect Rect) bool {
	if rect.ContainsPoint(a) || rect.ContainsPoint(b) {
		return true
	}
	corners := [4]Point{
		{X: rect.MinX, Y: rect.MinY},
		{X: rect.MaxX, Y: rect.MinY},
		{X: rect.MaxX, Y: rect.MaxY},
		{X: rect.MinX, Y: rect.MaxY},
	}
	for i := 0; i < 4; i += 1 {
		if segmentsIntersect(a, b, corners[i], corners[(i+1)%4]) {
			return true
		}
	}
	return false
}

func segmentsIntersect(p1 Point, p2 Point, p3 Point, p4 Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func cross(a Point, b Point, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func onSegment(a Point, b Point, c Point) bool {
	return min(a.X, b.X) <= c.X && c.X <= max(a.X, b.X) &&
		min(a.Y, b.Y) <= c.Y && c.Y <= max(a.Y, b.Y)
}
