package board

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestView(margin float64) (*Doc, *View, Id) {
	documentId := NewId()
	replicaId := NewId()
	index := NewSpatialIndexWithDefaults()
	doc := NewDoc(documentId, replicaId, index)
	return doc, NewView(doc, index, margin), replicaId
}

func createAt(doc *Doc, x float64, y float64, paintOrder int64) Id {
	objectId := NewId()
	_, err := doc.ApplyLocal(&ObjectCreate{
		ObjectId:   objectId.Bytes(),
		X:          x,
		Y:          y,
		W:          100,
		H:          100,
		PaintOrder: paintOrder,
	})
	if err != nil {
		panic(err)
	}
	return objectId
}

func TestVisibleFiltersTombstones(t *testing.T) {
	doc, view, _ := newTestView(0)

	keptId := createAt(doc, 0, 0, 0)
	deletedId := createAt(doc, 200, 0, 0)
	_, err := doc.ApplyLocal(&ObjectSetDeleted{
		ObjectId: deletedId.Bytes(),
		Deleted:  true,
	})
	assert.Equal(t, nil, err)

	objects, _ := view.Visible(Rect{MinX: -50, MinY: -50, MaxX: 500, MaxY: 500})
	assert.Equal(t, 1, len(objects))
	assert.Equal(t, keptId, objects[0].Id)

	// the tombstone stays in the document itself
	obj, ok := doc.GetObject(deletedId)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, obj.Deleted)
}

func TestVisiblePaintOrder(t *testing.T) {
	doc, view, _ := newTestView(0)

	backId := createAt(doc, 0, 0, 5)
	frontId := createAt(doc, 10, 10, 9)
	// paint order ties break by id so the order is stable
	tieId1 := createAt(doc, 20, 20, 7)
	tieId2 := createAt(doc, 30, 30, 7)
	firstTieId := tieId1
	secondTieId := tieId2
	if 0 < tieId1.Cmp(tieId2) {
		firstTieId, secondTieId = tieId2, tieId1
	}

	objects, _ := view.Visible(Rect{MinX: -50, MinY: -50, MaxX: 500, MaxY: 500})
	assert.Equal(t, []Id{backId, firstTieId, secondTieId, frontId}, []Id{
		objects[0].Id,
		objects[1].Id,
		objects[2].Id,
		objects[3].Id,
	})
}

func TestVisibleMargin(t *testing.T) {
	doc, view, _ := newTestView(150)

	// outside the viewport but inside the prefetch margin
	nearId := createAt(doc, 1050, 0, 0)
	// outside both
	createAt(doc, 5000, 0, 0)

	objects, _ := view.Visible(Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000})
	assert.Equal(t, 1, len(objects))
	assert.Equal(t, nearId, objects[0].Id)
}

func TestVisibleRelations(t *testing.T) {
	doc, view, _ := newTestView(0)

	aId := createAt(doc, 0, 0, 0)
	bId := createAt(doc, 300, 0, 0)
	farId := createAt(doc, 10000, 10000, 0)

	bothVisibleId := NewId()
	_, err := doc.ApplyLocal(&RelationCreate{
		RelationId:   bothVisibleId.Bytes(),
		SourceId:     aId.Bytes(),
		TargetId:     bId.Bytes(),
		SourceAnchor: uint8(AnchorRight),
		TargetAnchor: uint8(AnchorLeft),
		Label:        "near",
	})
	assert.Equal(t, nil, err)

	// connector from an on-screen object to a far off-screen one still
	// crosses the viewport
	crossingId := NewId()
	_, err = doc.ApplyLocal(&RelationCreate{
		RelationId:   crossingId.Bytes(),
		SourceId:     aId.Bytes(),
		TargetId:     farId.Bytes(),
		SourceAnchor: uint8(AnchorRight),
		TargetAnchor: uint8(AnchorLeft),
		Label:        "far",
	})
	assert.Equal(t, nil, err)

	region := Rect{MinX: -50, MinY: -50, MaxX: 500, MaxY: 500}
	_, relations := view.Visible(region)
	relationIds := []Id{}
	for _, rel := range relations {
		relationIds = append(relationIds, rel.Id)
	}
	assert.Equal(t, sortIds([]Id{bothVisibleId, crossingId}), sortIds(relationIds))

	// a viewport containing neither endpoint nor the segment sees no
	// relations
	_, relations = view.Visible(Rect{MinX: -500, MinY: 5000, MaxX: -400, MaxY: 6000})
	assert.Equal(t, 0, len(relations))

	// deleting an endpoint hides its connectors
	_, err = doc.ApplyLocal(&ObjectSetDeleted{
		ObjectId: bId.Bytes(),
		Deleted:  true,
	})
	assert.Equal(t, nil, err)
	_, relations = view.Visible(region)
	relationIds = []Id{}
	for _, rel := range relations {
		relationIds = append(relationIds, rel.Id)
	}
	assert.Equal(t, []Id{crossingId}, relationIds)
}

// a relation referencing an object that has not arrived yet stays hidden
// until the create shows up
func TestDanglingRelationHiddenUntilCreate(t *testing.T) {
	doc, view, _ := newTestView(0)
	remoteReplica := NewId()

	aId := createAt(doc, 0, 0, 0)
	pendingId := NewId()
	relationId := NewId()

	err := doc.ApplyRemote(RequireToFrame(&RelationCreate{
		RelationId:   relationId.Bytes(),
		SourceId:     aId.Bytes(),
		TargetId:     pendingId.Bytes(),
		SourceAnchor: uint8(AnchorRight),
		TargetAnchor: uint8(AnchorLeft),
		Label:        "pending",
		Stamp:        stamp(100, remoteReplica),
	}))
	assert.Equal(t, nil, err)

	region := Rect{MinX: -50, MinY: -50, MaxX: 500, MaxY: 500}
	_, relations := view.Visible(region)
	assert.Equal(t, 0, len(relations))

	// the delayed create arrives
	err = doc.ApplyRemote(createObjectDelta(pendingId, 300, 0, stamp(101, remoteReplica)))
	assert.Equal(t, nil, err)
	_, relations = view.Visible(region)
	assert.Equal(t, 1, len(relations))
	assert.Equal(t, relationId, relations[0].Id)
}
