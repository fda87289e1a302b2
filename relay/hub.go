package relay

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/corkboard/board/board"
)

// hub fans frames out between the replicas of one document. The relay is a
// dumb router: delta payloads pass through as opaque bytes, and only the
// envelope type is read to decide persist/broadcast/respond.

type hubMessage struct {
	source     *hubClient
	frameBytes []byte
}

type hubDirect struct {
	target     *hubClient
	frameBytes []byte
}

type hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	snapshots  SnapshotStore
	settings   *RelaySettings

	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan *hubMessage
	direct     chan *hubDirect

	clients map[*hubClient]bool

	// attached client count, guarded by the relay's stateLock
	refs int
}

func newHub(ctx context.Context, cancel context.CancelFunc, documentId string, snapshots SnapshotStore, settings *RelaySettings) *hub {
	h := &hub{
		ctx:        ctx,
		cancel:     cancel,
		documentId: documentId,
		snapshots:  snapshots,
		settings:   settings,
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan *hubMessage),
		direct:     make(chan *hubDirect),
		clients:    map[*hubClient]bool{},
	}
	go h.run()
	return h
}

func (self *hub) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case client := <-self.register:
			self.clients[client] = true
			glog.V(1).Infof("[h]%s join %s (%d)\n", self.documentId, client.replicaId, len(self.clients))
		case client := <-self.unregister:
			if _, ok := self.clients[client]; ok {
				delete(self.clients, client)
				close(client.send)
				glog.V(1).Infof("[h]%s leave %s (%d)\n", self.documentId, client.replicaId, len(self.clients))
			}
		case message := <-self.broadcast:
			for client := range self.clients {
				if client == message.source {
					continue
				}
				select {
				case client.send <- message.frameBytes:
				default:
					// slow consumer
					delete(self.clients, client)
					close(client.send)
				}
			}
		case direct := <-self.direct:
			if _, ok := self.clients[direct.target]; ok {
				select {
				case direct.target.send <- direct.frameBytes:
				default:
				}
			}
		}
	}
}

type hubClient struct {
	hub       *hub
	conn      *websocket.Conn
	replicaId board.Id
	send      chan []byte
	// unregisters from the hub and releases the relay's hub ref. Called
	// exactly once per client.
	detach func()
}

func newHubClient(h *hub, conn *websocket.Conn, replicaId board.Id) *hubClient {
	return &hubClient{
		hub:       h,
		conn:      conn,
		replicaId: replicaId,
		send:      make(chan []byte, h.settings.ClientSendBufferSize),
	}
}

func (self *hubClient) readPump() {
	defer func() {
		self.detach()
		self.conn.Close()
	}()

	for {
		self.conn.SetReadDeadline(time.Now().Add(self.hub.settings.ReadTimeout))
		messageType, frameBytes, err := self.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(frameBytes) == 0 {
			// ping
			continue
		}

		frame, err := board.DecodeFrame(frameBytes)
		if err != nil {
			glog.Infof("[h]%s drop frame from %s = %s\n", self.hub.documentId, self.replicaId, err)
			continue
		}
		switch {
		case frame.MessageType.IsDelta():
			// payload semantics are the replicas' business. Persist the
			// bytes, relay the bytes.
			if _, err := self.hub.snapshots.AppendDelta(self.hub.ctx, self.hub.documentId, frameBytes); err != nil {
				glog.Infof("[h]%s append delta = %s\n", self.hub.documentId, err)
			}
			self.hub.broadcast <- &hubMessage{
				source:     self,
				frameBytes: frameBytes,
			}
		case frame.MessageType == board.MessageTypeSnapshotPush:
			message, err := board.FromFrame(frame)
			if err != nil {
				continue
			}
			push := message.(*board.SnapshotPush)
			if err := self.hub.snapshots.PutSnapshot(self.hub.ctx, self.hub.documentId, push.SnapshotBytes); err != nil {
				glog.Infof("[h]%s put snapshot = %s\n", self.hub.documentId, err)
			}
		case frame.MessageType == board.MessageTypeSnapshotRequest:
			snapshotBytes, _, err := self.hub.snapshots.GetSnapshot(self.hub.ctx, self.hub.documentId)
			if err != nil {
				continue
			}
			self.hub.direct <- &hubDirect{
				target:     self,
				frameBytes: snapshotBytes,
			}
		default:
			glog.V(1).Infof("[h]%s skip %s from %s\n", self.hub.documentId, frame.MessageType, self.replicaId)
		}
	}
}

func (self *hubClient) writePump() {
	pingTicker := time.NewTicker(self.hub.settings.PingTimeout)
	defer func() {
		pingTicker.Stop()
		self.conn.Close()
	}()

	for {
		select {
		case frameBytes, ok := <-self.send:
			if !ok {
				self.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			self.conn.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				return
			}
		case <-pingTicker.C:
			self.conn.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}
