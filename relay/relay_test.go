package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/corkboard/board/board"
)

var testSecret = []byte("test-secret")

func newTestRelay(t *testing.T) (*httptest.Server, *Relay) {
	relay := NewRelayWithDefaults(context.Background(), NewMemorySnapshots(), testSecret)
	server := httptest.NewServer(relay.Router())
	t.Cleanup(server.Close)
	return server, relay
}

func dialReplica(t *testing.T, server *httptest.Server, documentId board.Id, replicaId board.Id) (*websocket.Conn, *board.JoinAck) {
	wsUrl := strings.Replace(server.URL, "http", "ws", 1) + "/d/" + documentId.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	t.Cleanup(func() {
		conn.Close()
	})

	token, err := board.MintJoinToken(documentId, replicaId, testSecret)
	assert.Equal(t, nil, err)
	joinBytes, err := board.EncodeFrame(&board.Join{
		Token:      token,
		DocumentId: documentId.Bytes(),
		ReplicaId:  replicaId.Bytes(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, conn.WriteMessage(websocket.BinaryMessage, joinBytes))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, ackBytes, err := conn.ReadMessage()
	assert.Equal(t, nil, err)
	message, err := board.DecodeMessage(ackBytes)
	assert.Equal(t, nil, err)
	return conn, message.(*board.JoinAck)
}

// read binary frames until a non-ping arrives
func readFrame(t *testing.T, conn *websocket.Conn) *board.Frame {
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, frameBytes, err := conn.ReadMessage()
		assert.Equal(t, nil, err)
		if len(frameBytes) == 0 {
			continue
		}
		frame, err := board.DecodeFrame(frameBytes)
		assert.Equal(t, nil, err)
		return frame
	}
}

func testDelta(t *testing.T, x float64) []byte {
	deltaBytes, err := board.EncodeFrame(&board.ObjectCreate{
		ObjectId: board.NewId().Bytes(),
		X:        x,
		Y:        0,
		W:        10,
		H:        10,
		Stamp: board.WireStamp{
			Counter:   1,
			ReplicaId: board.NewId().Bytes(),
		},
	})
	assert.Equal(t, nil, err)
	return deltaBytes
}

func TestStatus(t *testing.T) {
	server, _ := newTestRelay(t)

	response, err := http.Get(server.URL + "/status")
	assert.Equal(t, nil, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	status := map[string]any{}
	assert.Equal(t, nil, json.NewDecoder(response.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
}

func TestBroadcastAndLateJoin(t *testing.T) {
	server, _ := newTestRelay(t)
	documentId := board.NewId()

	connA, ackA := dialReplica(t, server, documentId, board.NewId())
	connB, _ := dialReplica(t, server, documentId, board.NewId())
	assert.Equal(t, 0, len(ackA.SnapshotBytes))
	assert.Equal(t, 0, len(ackA.DeltaBytes))

	deltaBytes := testDelta(t, 42)
	assert.Equal(t, nil, connA.WriteMessage(websocket.BinaryMessage, deltaBytes))

	// the other replica receives the broadcast bytes untouched
	frame := readFrame(t, connB)
	assert.Equal(t, board.MessageTypeObjectCreate, frame.MessageType)
	message, err := board.FromFrame(frame)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(42), message.(*board.ObjectCreate).X)

	// a late joiner replays the delta log tail from the ack
	_, ackC := dialReplica(t, server, documentId, board.NewId())
	assert.Equal(t, 1, len(ackC.DeltaBytes))
	assert.Equal(t, deltaBytes, ackC.DeltaBytes[0])
	assert.Equal(t, uint64(1), ackC.Checkpoint)
}

func TestSnapshotPushAndRequest(t *testing.T) {
	server, _ := newTestRelay(t)
	documentId := board.NewId()
	replicaId := board.NewId()

	connA, _ := dialReplica(t, server, documentId, replicaId)

	// a replica pushes its snapshot for late joiners
	snapshotBytes, err := board.EncodeFrame(&board.WireSnapshot{
		DocumentId: documentId.Bytes(),
		Objects:    []*board.WireObject{},
		Relations:  []*board.WireRelation{},
		Clocks: map[string]uint64{
			replicaId.String(): 7,
		},
	})
	assert.Equal(t, nil, err)
	pushBytes, err := board.EncodeFrame(&board.SnapshotPush{
		SnapshotBytes: snapshotBytes,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, connA.WriteMessage(websocket.BinaryMessage, pushBytes))

	// the push lands asynchronously; poll through a fresh join
	var ackB *board.JoinAck
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, ackB = dialReplica(t, server, documentId, board.NewId())
		if 0 < len(ackB.SnapshotBytes) {
			break
		}
		if deadline.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, snapshotBytes, ackB.SnapshotBytes)

	// an explicit resync request answers with the stored snapshot frame
	requestBytes, err := board.EncodeFrame(&board.SnapshotRequest{
		DocumentId: documentId.Bytes(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, connA.WriteMessage(websocket.BinaryMessage, requestBytes))

	frame := readFrame(t, connA)
	assert.Equal(t, board.MessageTypeSnapshot, frame.MessageType)
	message, err := board.FromFrame(frame)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(7), message.(*board.WireSnapshot).Clocks[replicaId.String()])
}

func TestJoinTokenRejected(t *testing.T) {
	server, _ := newTestRelay(t)
	documentId := board.NewId()
	replicaId := board.NewId()

	wsUrl := strings.Replace(server.URL, "http", "ws", 1) + "/d/" + documentId.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	defer conn.Close()

	// token minted for a different document
	token, err := board.MintJoinToken(board.NewId(), replicaId, testSecret)
	assert.Equal(t, nil, err)
	joinBytes, err := board.EncodeFrame(&board.Join{
		Token:      token,
		DocumentId: documentId.Bytes(),
		ReplicaId:  replicaId.Bytes(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, conn.WriteMessage(websocket.BinaryMessage, joinBytes))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.NotEqual(t, nil, err)
}

func TestJoinBadSignature(t *testing.T) {
	server, _ := newTestRelay(t)
	documentId := board.NewId()
	replicaId := board.NewId()

	wsUrl := strings.Replace(server.URL, "http", "ws", 1) + "/d/" + documentId.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	defer conn.Close()

	token, err := board.MintJoinToken(documentId, replicaId, []byte("other-secret"))
	assert.Equal(t, nil, err)
	joinBytes, err := board.EncodeFrame(&board.Join{
		Token:      token,
		DocumentId: documentId.Bytes(),
		ReplicaId:  replicaId.Bytes(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, conn.WriteMessage(websocket.BinaryMessage, joinBytes))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.NotEqual(t, nil, err)
}

func hubCount(r *Relay) int {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	return len(r.hubs)
}

// a document's hub exists only while replicas are attached to it
func TestHubTornDownWhenIdle(t *testing.T) {
	server, r := newTestRelay(t)
	documentId := board.NewId()

	connA, _ := dialReplica(t, server, documentId, board.NewId())
	connB, _ := dialReplica(t, server, documentId, board.NewId())
	assert.Equal(t, 1, hubCount(r))

	// one replica leaving keeps the hub alive for the other
	connA.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hubCount(r))

	connB.Close()
	deadline := time.Now().Add(5 * time.Second)
	for hubCount(r) != 0 {
		if deadline.Before(time.Now()) {
			t.Fatal("hub still running with no clients attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the next join builds a fresh hub
	dialReplica(t, server, documentId, board.NewId())
	assert.Equal(t, 1, hubCount(r))
}
