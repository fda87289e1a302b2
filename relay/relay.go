package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/corkboard/board/board"
)

// Relay is the server process replicas connect to: one websocket endpoint
// per document, a hub fanning deltas between the document's replicas, and a
// snapshot store for late joiners. It never interprets delta payloads.

type RelaySettings struct {
	JoinTimeout          time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	ClientSendBufferSize int
	ReadBufferSize       int
	WriteBufferSize      int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		JoinTimeout:          5 * time.Second,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		ClientSendBufferSize: 256,
		ReadBufferSize:       4 * 1024,
		WriteBufferSize:      4 * 1024,
	}
}

type Relay struct {
	ctx context.Context

	snapshots SnapshotStore
	// nil secret means join tokens are parsed but not verified
	secret []byte

	settings *RelaySettings

	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	hubs      map[string]*hub
}

func NewRelayWithDefaults(ctx context.Context, snapshots SnapshotStore, secret []byte) *Relay {
	return NewRelay(ctx, snapshots, secret, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, snapshots SnapshotStore, secret []byte, settings *RelaySettings) *Relay {
	return &Relay{
		ctx:       ctx,
		snapshots: snapshots,
		secret:    secret,
		settings:  settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		hubs: map[string]*hub{},
	}
}

func (self *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", self.handleStatus).Methods("GET")
	router.HandleFunc("/d/{documentId}", self.handleDocument)
	return router
}

func (self *Relay) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusResult struct {
		Status    string `json:"status"`
		Documents int    `json:"documents"`
	}

	self.stateLock.Lock()
	documents := len(self.hubs)
	self.stateLock.Unlock()

	responseJson, err := json.Marshal(&statusResult{
		Status:    "ok",
		Documents: documents,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *Relay) handleDocument(w http.ResponseWriter, r *http.Request) {
	documentId := mux.Vars(r)["documentId"]

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]%s upgrade = %s\n", documentId, err)
		return
	}

	replicaId, err := self.join(conn, documentId)
	if err != nil {
		glog.Infof("[r]%s join = %s\n", documentId, err)
		conn.Close()
		return
	}

	// attach before composing the ack: a delta recorded in the window
	// between the log read and registration would otherwise reach the new
	// client neither in the ack tail nor as a broadcast. Duplicates are fine;
	// replicas merge idempotently.
	client := self.attach(documentId, conn, replicaId)
	if err := self.sendJoinAck(conn, documentId); err != nil {
		glog.Infof("[r]%s join ack = %s\n", documentId, err)
		client.detach()
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// join reads the Join frame and checks the token
func (self *Relay) join(conn *websocket.Conn, documentId string) (board.Id, error) {
	conn.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	_, joinBytes, err := conn.ReadMessage()
	if err != nil {
		return board.Id{}, err
	}
	message, err := board.DecodeMessage(joinBytes)
	if err != nil {
		return board.Id{}, err
	}
	join, ok := message.(*board.Join)
	if !ok {
		return board.Id{}, board.ErrMalformedDelta
	}

	var joinToken *board.JoinToken
	if self.secret != nil {
		joinToken, err = board.VerifyJoinToken(join.Token, self.secret)
	} else {
		joinToken, err = board.ParseJoinTokenUnverified(join.Token)
	}
	if err != nil {
		return board.Id{}, err
	}
	if joinToken.DocumentId.String() != documentId {
		return board.Id{}, board.ErrMalformedDelta
	}
	replicaId, err := board.IdFromBytes(join.ReplicaId)
	if err != nil {
		return board.Id{}, err
	}
	return replicaId, nil
}

// sendJoinAck answers the join with the stored snapshot plus the delta log
// tail recorded after its checkpoint
func (self *Relay) sendJoinAck(conn *websocket.Conn, documentId string) error {
	ack := &board.JoinAck{
		DeltaBytes: [][]byte{},
	}
	snapshotBytes, checkpoint, err := self.snapshots.GetSnapshot(self.ctx, documentId)
	if err == nil {
		ack.SnapshotBytes = snapshotBytes
	}
	deltas, err := self.snapshots.ReadDeltasSince(self.ctx, documentId, checkpoint)
	if err == nil {
		ack.DeltaBytes = deltas
		ack.Checkpoint = checkpoint + uint64(len(deltas))
	}

	ackBytes, err := board.EncodeFrame(ack)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, ackBytes)
}

// attach binds a new client to the document's hub, creating the hub on first
// use. The hub and its goroutine are torn down again when the last client
// detaches, so an idle relay holds no per-document state.
func (self *Relay) attach(documentId string, conn *websocket.Conn, replicaId board.Id) *hubClient {
	self.stateLock.Lock()
	h, ok := self.hubs[documentId]
	if !ok {
		hubCtx, hubCancel := context.WithCancel(self.ctx)
		h = newHub(hubCtx, hubCancel, documentId, self.snapshots, self.settings)
		self.hubs[documentId] = h
	}
	// while refs is positive the hub's run loop cannot be canceled, so the
	// register send below cannot block forever
	h.refs += 1
	self.stateLock.Unlock()

	client := newHubClient(h, conn, replicaId)
	client.detach = func() {
		self.detach(h, client)
	}
	h.register <- client
	return client
}

func (self *Relay) detach(h *hub, client *hubClient) {
	// unregister while the ref is still held, then drop the ref
	h.unregister <- client

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	h.refs -= 1
	if h.refs == 0 {
		delete(self.hubs, h.documentId)
		h.cancel()
		glog.V(1).Infof("[r]%s hub shut down\n", h.documentId)
	}
}
