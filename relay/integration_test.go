package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/corkboard/board/board"
)

func newRelaySession(t *testing.T, server string, documentId board.Id) (*board.SessionHandle, board.Id) {
	replicaId := board.NewId()
	token, err := board.MintJoinToken(documentId, replicaId, testSecret)
	assert.Equal(t, nil, err)

	settings := board.DefaultSessionSettings()
	settings.GatewaySettings.FlushInterval = 1 * time.Millisecond
	session := board.NewSession(
		context.Background(),
		replicaId,
		strings.Replace(server, "http", "ws", 1),
		token,
		board.NewMemoryStore(),
		settings,
	)
	handle, err := session.Connect(documentId)
	assert.Equal(t, nil, err)
	t.Cleanup(handle.Destroy)
	return handle, replicaId
}

func waitForObject(t *testing.T, handle *board.SessionHandle, region board.Rect, check func([]board.Object) bool) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		objects, _, err := handle.Visible(region)
		assert.Equal(t, nil, err)
		if check(objects) {
			return
		}
		if deadline.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// two replicas editing the same document through a live relay converge
func TestSessionsConvergeThroughRelay(t *testing.T) {
	server, _ := newTestRelay(t)
	documentId := board.NewId()
	region := board.Rect{MinX: -100, MinY: -100, MaxX: 1000, MaxY: 1000}

	handle1, _ := newRelaySession(t, server.URL, documentId)
	assert.Equal(t, board.ConnectionStateConnected, handle1.ConnectionState())

	objectId := board.NewId()
	assert.Equal(t, nil, handle1.Submit(&board.ObjectCreate{
		ObjectId:    objectId.Bytes(),
		X:           10,
		Y:           10,
		W:           50,
		H:           50,
		ContentKind: "text",
		ContentData: []byte("shared"),
	}))
	assert.Equal(t, nil, handle1.FlushNow())

	// a late joiner bootstraps the object from the relay's delta log
	handle2, _ := newRelaySession(t, server.URL, documentId)
	waitForObject(t, handle2, region, func(objects []board.Object) bool {
		return len(objects) == 1 && objects[0].Id == objectId
	})

	// an edit on the second replica reaches the first
	assert.Equal(t, nil, handle2.Submit(&board.ObjectSetPosition{
		ObjectId: objectId.Bytes(),
		X:        200,
		Y:        200,
	}))
	assert.Equal(t, nil, handle2.FlushNow())

	waitForObject(t, handle1, region, func(objects []board.Object) bool {
		return len(objects) == 1 && objects[0].Position == (board.Point{X: 200, Y: 200})
	})

	// a delete on the first replica tombstones everywhere
	assert.Equal(t, nil, handle1.Submit(&board.ObjectSetDeleted{
		ObjectId: objectId.Bytes(),
		Deleted:  true,
	}))
	assert.Equal(t, nil, handle1.FlushNow())

	waitForObject(t, handle2, region, func(objects []board.Object) bool {
		return len(objects) == 0
	})
}
