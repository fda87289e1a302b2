package board

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Session is the lifecycle controller for one replica's connection to a
// document. It owns the document store, spatial index, gateway, and transport
// as a unit, and it is the only way to reach them.
//
// The store handle lives inside the Active state: sessionCore exists only
// while the session is Active, and nothing outside this file ever holds a
// *sessionCore. Asynchronous work (gateway flushes, network delivery, timers)
// captures the session and re-extracts the core through withCore at every
// resumption point, so a callback that outlives Destroy finds no handle
// rather than a stale one. Destroy flips the state before any teardown I/O
// begins and then waits out the gateway and transport, so once Destroyed is
// reached nothing can touch the store again.
//
// Uninitialized -> Initializing -> Active -> Destroying -> Destroyed.
// Destroy is idempotent; a second Connect on the same controller fails.

type sessionState int

const (
	sessionStateUninitialized sessionState = iota
	sessionStateInitializing
	sessionStateActive
	sessionStateDestroying
	sessionStateDestroyed
)

func (self sessionState) String() string {
	switch self {
	case sessionStateUninitialized:
		return "uninitialized"
	case sessionStateInitializing:
		return "initializing"
	case sessionStateActive:
		return "active"
	case sessionStateDestroying:
		return "destroying"
	case sessionStateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type SessionSettings struct {
	// prefetch margin added to every visibility query
	ViewMargin float64
	// how often the session checkpoints a snapshot to the persistent store
	// and pushes it to the relay for late joiners
	SnapshotInterval time.Duration

	SpatialIndexSettings *SpatialIndexSettings
	GatewaySettings      *GatewaySettings
	TransportSettings    *RelayTransportSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ViewMargin:           256,
		SnapshotInterval:     30 * time.Second,
		SpatialIndexSettings: DefaultSpatialIndexSettings(),
		GatewaySettings:      DefaultGatewaySettings(),
		TransportSettings:    DefaultRelayTransportSettings(),
	}
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	replicaId Id
	// empty means an offline session: no transport, local store only
	relayUrl  string
	joinToken string
	// may be nil for a purely in-memory session
	store PersistentStore

	settings *SessionSettings

	// checkpoint of the last delta appended to the persistent store
	lastCheckpoint atomic.Uint64

	stateLock sync.Mutex
	state     sessionState
	core      *sessionCore
}

// sessionCore is the Active-state capability. Only a live session hands it
// out, and only for the duration of one withCore call.
type sessionCore struct {
	documentId Id
	doc        *Doc
	index      *SpatialIndex
	gateway    *Gateway
	transport  *RelayTransport
	view       *View
}

func NewSessionWithDefaults(
	ctx context.Context,
	replicaId Id,
	relayUrl string,
	joinToken string,
	store PersistentStore,
) *Session {
	return NewSession(ctx, replicaId, relayUrl, joinToken, store, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	replicaId Id,
	relayUrl string,
	joinToken string,
	store PersistentStore,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:       cancelCtx,
		cancel:    cancel,
		replicaId: replicaId,
		relayUrl:  relayUrl,
		joinToken: joinToken,
		store:     store,
		settings:  settings,
		state:     sessionStateUninitialized,
	}
}

// Connect joins the document: allocates the store, index, gateway, and
// transport, loads the initial snapshot, and subscribes to remote deltas.
// Fails with ErrAlreadyConnected on any state but Uninitialized.
func (self *Session) Connect(documentId Id) (*SessionHandle, error) {
	self.stateLock.Lock()
	if self.state != sessionStateUninitialized {
		state := self.state
		self.stateLock.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrAlreadyConnected, state)
	}
	self.state = sessionStateInitializing
	self.stateLock.Unlock()

	index := NewSpatialIndex(self.settings.SpatialIndexSettings)
	doc := NewDoc(documentId, self.replicaId, index)

	var transport *RelayTransport
	bootstrapped := false
	if self.relayUrl != "" {
		transport = NewRelayTransport(
			self.ctx,
			self.relayUrl,
			self.joinToken,
			documentId,
			self.replicaId,
			self.settings.TransportSettings,
		)
		receiveCallback := ReceiveFunction(self.receiveRemote)
		transport.AddReceiveCallback(&receiveCallback)
		snapshotCallback := SnapshotFunction(self.receiveSnapshot)
		transport.AddSnapshotCallback(&snapshotCallback)

		ack, err := transport.Join()
		if err != nil {
			// not fatal: bootstrap from the local store and let the run
			// loop keep retrying
			glog.Infof("[s]%s join %s = %s\n", self.replicaId, documentId, err)
		} else {
			bootstrapped = self.bootstrapFromAck(doc, ack)
		}
	}
	if !bootstrapped {
		self.bootstrapFromStore(doc, documentId)
	}

	gateway := NewGateway(self.ctx, self, self.settings.GatewaySettings)

	core := &sessionCore{
		documentId: documentId,
		doc:        doc,
		index:      index,
		gateway:    gateway,
		transport:  transport,
		view:       NewView(doc, index, self.settings.ViewMargin),
	}

	self.stateLock.Lock()
	if self.state != sessionStateInitializing {
		// destroyed while initializing
		self.stateLock.Unlock()
		gateway.Cancel()
		if transport != nil {
			transport.Close()
		}
		return nil, ErrSessionNotLive
	}
	self.state = sessionStateActive
	self.core = core
	self.stateLock.Unlock()

	if transport != nil {
		go transport.Run()
	}
	go self.runSnapshots()

	glog.V(1).Infof("[s]%s active %s\n", self.replicaId, documentId)
	return &SessionHandle{
		session: self,
	}, nil
}

func (self *Session) bootstrapFromAck(doc *Doc, ack *JoinAck) bool {
	if 0 < len(ack.SnapshotBytes) {
		if err := loadSnapshotBytes(doc, ack.SnapshotBytes); err != nil {
			glog.Infof("[s]%s relay snapshot = %s\n", self.replicaId, err)
			return false
		}
	}
	for _, deltaBytes := range ack.DeltaBytes {
		doc.ApplyRemoteBytes(deltaBytes)
	}
	return true
}

func (self *Session) bootstrapFromStore(doc *Doc, documentId Id) {
	if self.store == nil {
		return
	}
	checkpoint := uint64(0)
	snapshotBytes, snapshotCheckpoint, err := self.store.GetSnapshot(documentId)
	if err == nil {
		if err := loadSnapshotBytes(doc, snapshotBytes); err != nil {
			// fall through to replaying the whole delta log
			glog.Infof("[s]%s local snapshot = %s\n", self.replicaId, err)
		} else {
			checkpoint = snapshotCheckpoint
		}
	}
	deltas, err := self.store.ReadDeltasSince(documentId, checkpoint)
	if err != nil {
		glog.Infof("[s]%s read deltas = %s\n", self.replicaId, err)
		return
	}
	for _, deltaBytes := range deltas {
		doc.ApplyRemoteBytes(deltaBytes)
	}
	self.lastCheckpoint.Store(checkpoint + uint64(len(deltas)))
}

func loadSnapshotBytes(doc *Doc, snapshotBytes []byte) error {
	message, err := DecodeMessage(snapshotBytes)
	if err != nil {
		return ErrSnapshotCorrupt
	}
	snapshot, ok := message.(*WireSnapshot)
	if !ok {
		return ErrSnapshotCorrupt
	}
	return doc.LoadSnapshot(snapshot)
}

// IsLive is the single narrow liveness query. Every holder of a mutation
// capability asks it (through withCore) before touching shared state.
func (self *Session) IsLive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state == sessionStateActive
}

// withCore re-extracts the Active-state capability, or reports
// ErrSessionNotLive. Callbacks must call this at every resumption point
// rather than retaining the core across a suspension.
func (self *Session) withCore(do func(core *sessionCore) error) error {
	self.stateLock.Lock()
	if self.state != sessionStateActive {
		self.stateLock.Unlock()
		return ErrSessionNotLive
	}
	core := self.core
	self.stateLock.Unlock()

	return do(core)
}

// applyLocal applies one gateway op to the store, persists the delta, and
// queues it on the transport
func (self *sessionCore) applyLocal(session *Session, op any) error {
	frame, err := self.doc.ApplyLocal(op)
	if err != nil {
		return err
	}
	deltaBytes, err := encodeMessage(frame)
	if err != nil {
		return err
	}
	// the store append can block on disk; re-validate liveness after it
	// before handing the delta to the transport
	if session.store != nil {
		if checkpoint, err := session.store.AppendDelta(self.documentId, deltaBytes); err == nil {
			session.lastCheckpoint.Store(checkpoint)
		} else {
			glog.Infof("[s]%s append delta = %s\n", session.replicaId, err)
		}
	}
	if self.transport != nil && session.IsLive() {
		self.transport.Send(deltaBytes)
	}
	return nil
}

// remote delta delivery (transport receive goroutine)
func (self *Session) receiveRemote(deltaBytes []byte) {
	var documentId Id
	err := self.withCore(func(core *sessionCore) error {
		documentId = core.documentId
		return core.doc.ApplyRemoteBytes(deltaBytes)
	})
	if err != nil {
		// not live, or malformed (already logged by the store)
		return
	}
	// liveness may have changed while the merge ran; check again before the
	// blocking append
	if self.store != nil && self.IsLive() {
		if checkpoint, err := self.store.AppendDelta(documentId, deltaBytes); err == nil {
			self.lastCheckpoint.Store(checkpoint)
		}
	}
}

// relay snapshot delivery: resync after SnapshotCorrupt or prolonged
// disconnect
func (self *Session) receiveSnapshot(snapshotBytes []byte) {
	self.withCore(func(core *sessionCore) error {
		if err := loadSnapshotBytes(core.doc, snapshotBytes); err != nil {
			glog.Infof("[s]%s resync snapshot = %s\n", self.replicaId, err)
			if core.transport != nil {
				core.transport.RequestSnapshot()
			}
			return err
		}
		return nil
	})
}

// periodic snapshot checkpoints: durable persistence plus the relay push
// that serves late joiners
func (self *Session) runSnapshots() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SnapshotInterval):
		}
		self.checkpointSnapshot()
	}
}

func (self *Session) checkpointSnapshot() {
	// read the checkpoint before taking the snapshot. A delta that lands in
	// between is then both in the snapshot and replayed on restore, which the
	// merge absorbs; the other order would drop it from recovery.
	checkpoint := self.lastCheckpoint.Load()
	var snapshotBytes []byte
	var transport *RelayTransport
	var documentId Id
	err := self.withCore(func(core *sessionCore) error {
		b, err := EncodeFrame(core.doc.Snapshot())
		if err != nil {
			return err
		}
		snapshotBytes = b
		transport = core.transport
		documentId = core.documentId
		return nil
	})
	if err != nil {
		return
	}
	if self.store != nil && self.IsLive() {
		if err := self.store.PutSnapshot(documentId, snapshotBytes, checkpoint); err != nil {
			glog.Infof("[s]%s put snapshot = %s\n", self.replicaId, err)
		}
	}
	if transport != nil && self.IsLive() {
		transport.PushSnapshot(snapshotBytes)
	}
}

// Destroy tears the session down: the state flips to Destroying synchronously
// before any teardown I/O, then the gateway's pending work is discarded, the
// transport is released, and the index is cleared. Idempotent.
func (self *Session) Destroy() {
	self.stateLock.Lock()
	switch self.state {
	case sessionStateDestroying, sessionStateDestroyed:
		self.stateLock.Unlock()
		return
	}
	core := self.core
	self.core = nil
	self.state = sessionStateDestroying
	self.stateLock.Unlock()

	if core != nil {
		// order matters: the gateway must be drained before anything else
		// goes away, and Cancel blocks until its mailbox loop exited
		core.gateway.Cancel()
		if core.transport != nil {
			core.transport.Close()
		}
		core.index.Clear()
	}
	self.cancel()

	self.stateLock.Lock()
	self.state = sessionStateDestroyed
	self.stateLock.Unlock()

	glog.V(1).Infof("[s]%s destroyed\n", self.replicaId)
}

// SessionHandle is the only surface upstream consumers see.
type SessionHandle struct {
	session *Session
}

// Visible returns the live objects intersecting region (sorted by paint
// order, ties by id) and the relations whose connectors are drawn.
func (self *SessionHandle) Visible(region Rect) ([]Object, []Relation, error) {
	var objects []Object
	var relations []Relation
	err := self.session.withCore(func(core *sessionCore) error {
		objects, relations = core.view.Visible(region)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return objects, relations, nil
}

// Submit enqueues one mutation through the gateway. After Destroy began this
// returns ErrSessionNotLive, which callers treat as a normal no-op signal.
func (self *SessionHandle) Submit(op any) error {
	return self.session.withCore(func(core *sessionCore) error {
		return core.gateway.Submit(op)
	})
}

// FlushNow forces pending gateway ops to apply without waiting the flush
// interval.
func (self *SessionHandle) FlushNow() error {
	return self.session.withCore(func(core *sessionCore) error {
		return core.gateway.FlushNow()
	})
}

func (self *SessionHandle) IsLive() bool {
	return self.session.IsLive()
}

// ConnectionState reports the transport state for "reconnecting"/"offline"
// affordances. Offline sessions always report disconnected.
func (self *SessionHandle) ConnectionState() ConnectionState {
	connectionState := ConnectionStateDisconnected
	self.session.withCore(func(core *sessionCore) error {
		if core.transport != nil {
			connectionState = core.transport.ConnectionState()
		}
		return nil
	})
	return connectionState
}

func (self *SessionHandle) Destroy() {
	self.session.Destroy()
}
