package board

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// RelayTransport is the duplex channel to the relay for one document. It is
// content-agnostic: deltas are opaque bytes in both directions. Outgoing
// deltas are retained across disconnects and retried on reconnect in original
// submission order (per-replica FIFO). Remote deltas may arrive duplicated
// and reordered; the document store tolerates both.

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type ReceiveFunction func(deltaBytes []byte)
type SnapshotFunction func(snapshotBytes []byte)

type RelayTransportSettings struct {
	WsHandshakeTimeout       time.Duration
	JoinTimeout              time.Duration
	PingTimeout              time.Duration
	WriteTimeout             time.Duration
	ReadTimeout              time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout:       2 * time.Second,
		JoinTimeout:              5 * time.Second,
		PingTimeout:              1 * time.Second,
		WriteTimeout:             5 * time.Second,
		ReadTimeout:              15 * time.Second,
		ReconnectInitialInterval: 500 * time.Millisecond,
		ReconnectMaxInterval:     15 * time.Second,
	}
}

type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl   string
	joinToken  string
	documentId Id
	replicaId  Id

	settings *RelayTransportSettings

	stateLock       sync.Mutex
	conn            *websocket.Conn
	connectionState ConnectionState
	running         bool

	sendLock   sync.Mutex
	sendQueue  [][]byte
	sendNotify chan struct{}

	receiveCallbacks  callbackList[*ReceiveFunction]
	snapshotCallbacks callbackList[*SnapshotFunction]

	done chan struct{}
}

func NewRelayTransport(
	ctx context.Context,
	relayUrl string,
	joinToken string,
	documentId Id,
	replicaId Id,
	settings *RelayTransportSettings,
) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RelayTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		relayUrl:        relayUrl,
		joinToken:       joinToken,
		documentId:      documentId,
		replicaId:       replicaId,
		settings:        settings,
		connectionState: ConnectionStateDisconnected,
		sendNotify:      make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
}

func (self *RelayTransport) AddReceiveCallback(receiveCallback *ReceiveFunction) func() {
	return self.receiveCallbacks.add(receiveCallback)
}

func (self *RelayTransport) AddSnapshotCallback(snapshotCallback *SnapshotFunction) func() {
	return self.snapshotCallbacks.add(snapshotCallback)
}

func (self *RelayTransport) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connectionState
}

func (self *RelayTransport) setConnectionState(connectionState ConnectionState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connectionState = connectionState
}

// Join dials the relay and performs the join handshake once, synchronously.
// The returned ack carries the relay's snapshot bytes and delta tail for
// bootstrap. The connection is kept for Run.
func (self *RelayTransport) Join() (*JoinAck, error) {
	self.setConnectionState(ConnectionStateConnecting)
	ws, ack, err := self.dial()
	if err != nil {
		self.setConnectionState(ConnectionStateDisconnected)
		return nil, err
	}

	self.stateLock.Lock()
	self.conn = ws
	self.connectionState = ConnectionStateConnected
	self.stateLock.Unlock()
	return ack, nil
}

// documentUrl is the relay's per-document websocket endpoint
func (self *RelayTransport) documentUrl() string {
	return fmt.Sprintf("%s/d/%s", strings.TrimSuffix(self.relayUrl, "/"), self.documentId)
}

func (self *RelayTransport) dial() (*websocket.Conn, *JoinAck, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.documentUrl(), nil)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinBytes, err := EncodeFrame(&Join{
		Token:      self.joinToken,
		DocumentId: self.documentId.Bytes(),
		ReplicaId:  self.replicaId.Bytes(),
	})
	if err != nil {
		return nil, nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, joinBytes); err != nil {
		return nil, nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	_, ackBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	message, err := DecodeMessage(ackBytes)
	if err != nil {
		return nil, nil, err
	}
	ack, ok := message.(*JoinAck)
	if !ok {
		return nil, nil, ErrMalformedDelta
	}

	success = true
	return ws, ack, nil
}

// Send queues one serialized delta for best-effort broadcast. Never blocks;
// the queue survives disconnects.
func (self *RelayTransport) Send(deltaBytes []byte) {
	self.sendLock.Lock()
	self.sendQueue = append(self.sendQueue, deltaBytes)
	self.sendLock.Unlock()

	select {
	case self.sendNotify <- struct{}{}:
	default:
	}
}

// PushSnapshot queues the replica's snapshot bytes so the relay can serve
// late joiners. Rides the same FIFO as deltas.
func (self *RelayTransport) PushSnapshot(snapshotBytes []byte) error {
	pushBytes, err := EncodeFrame(&SnapshotPush{
		SnapshotBytes: snapshotBytes,
	})
	if err != nil {
		return err
	}
	self.Send(pushBytes)
	return nil
}

// RequestSnapshot asks the relay for its stored snapshot. The response
// arrives through the snapshot callbacks.
func (self *RelayTransport) RequestSnapshot() error {
	requestBytes, err := EncodeFrame(&SnapshotRequest{
		DocumentId: self.documentId.Bytes(),
	})
	if err != nil {
		return err
	}
	self.Send(requestBytes)
	return nil
}

func (self *RelayTransport) peekSend() ([]byte, bool) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	if len(self.sendQueue) == 0 {
		return nil, false
	}
	return self.sendQueue[0], true
}

func (self *RelayTransport) popSend() {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	if 0 < len(self.sendQueue) {
		self.sendQueue = self.sendQueue[1:]
	}
}

func (self *RelayTransport) takeConn() *websocket.Conn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ws := self.conn
	self.conn = nil
	return ws
}

// Run drives the connection until Close: pumps frames both ways, reconnects
// with exponential backoff, and re-joins after every reconnect. The re-join
// ack's delta tail is delivered through the receive callbacks, which is safe
// to replay because the store is idempotent.
func (self *RelayTransport) Run() {
	self.stateLock.Lock()
	if self.running {
		self.stateLock.Unlock()
		panic("transport already running")
	}
	self.running = true
	self.stateLock.Unlock()

	defer close(self.done)
	defer self.cancel()
	defer self.setConnectionState(ConnectionStateDisconnected)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectInitialInterval
	reconnect.MaxInterval = self.settings.ReconnectMaxInterval
	// never give up; the session decides when to stop
	reconnect.MaxElapsedTime = 0

	for {
		ws := self.takeConn()
		if ws == nil {
			self.setConnectionState(ConnectionStateConnecting)
			var ack *JoinAck
			var err error
			ws, ack, err = self.dial()
			if err != nil {
				glog.Infof("[rt]%s join error = %s\n", self.replicaId, err)
				self.setConnectionState(ConnectionStateDisconnected)
				select {
				case <-self.ctx.Done():
					return
				case <-time.After(reconnect.NextBackOff()):
					continue
				}
			}
			self.setConnectionState(ConnectionStateConnected)
			self.deliverAck(ack)
		}
		reconnect.Reset()

		self.pump(ws)
		self.setConnectionState(ConnectionStateDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (self *RelayTransport) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock a pending read when the pump winds down
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	// send
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-self.sendNotify:
				for {
					frameBytes, ok := self.peekSend()
					if !ok {
						break
					}
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
						// the queue head is retained and retried on reconnect
						glog.Infof("[rt]%s-> error = %s\n", self.replicaId, err)
						return
					}
					self.popSend()
					glog.V(2).Infof("[rt]%s->\n", self.replicaId)
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// receive
	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[rt]%s<- error = %s\n", self.replicaId, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if len(message) == 0 {
					// ping
					glog.V(2).Infof("[rt]ping %s<-\n", self.replicaId)
					continue
				}
				self.receiveFrame(message)
			default:
				glog.V(2).Infof("[rt]other=%d %s<-\n", messageType, self.replicaId)
			}
		}
	}()
}

func (self *RelayTransport) receiveFrame(frameBytes []byte) {
	frame, err := DecodeFrame(frameBytes)
	if err != nil {
		glog.Infof("[rt]%s<- drop frame = %s\n", self.replicaId, err)
		return
	}
	switch {
	case frame.MessageType.IsDelta():
		self.receive(frameBytes)
	case frame.MessageType == MessageTypeSnapshot:
		self.receiveSnapshot(frameBytes)
	case frame.MessageType == MessageTypeJoinAck:
		// relay-initiated resync
		if message, err := FromFrame(frame); err == nil {
			if ack, ok := message.(*JoinAck); ok {
				self.deliverAck(ack)
			}
		}
	default:
		// forward compatibility: skip and log
		glog.V(1).Infof("[rt]%s<- skip %s\n", self.replicaId, frame.MessageType)
	}
}

func (self *RelayTransport) deliverAck(ack *JoinAck) {
	if 0 < len(ack.SnapshotBytes) {
		self.receiveSnapshot(ack.SnapshotBytes)
	}
	for _, deltaBytes := range ack.DeltaBytes {
		self.receive(deltaBytes)
	}
}

func (self *RelayTransport) receive(deltaBytes []byte) {
	for _, receiveCallback := range self.receiveCallbacks.get() {
		HandleError(func() {
			(*receiveCallback)(deltaBytes)
		})
	}
}

func (self *RelayTransport) receiveSnapshot(snapshotBytes []byte) {
	for _, snapshotCallback := range self.snapshotCallbacks.get() {
		HandleError(func() {
			(*snapshotCallback)(snapshotBytes)
		})
	}
}

// Close releases the connection. Blocks until the run loop has exited, so
// after Close returns no callback of this transport will fire again.
func (self *RelayTransport) Close() {
	self.cancel()

	self.stateLock.Lock()
	running := self.running
	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
	}
	self.stateLock.Unlock()

	if running {
		<-self.done
	}
}
