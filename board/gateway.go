package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Gateway coalesces bursts of local mutations before they reach the document
// store and the transport: many intermediate drag positions collapse into one
// write per (object, field) per flush interval.
//
// The gateway is a small actor. Submit, FlushNow, and Cancel are messages
// into its mailbox rather than closures over shared state, so cancellation is
// an explicit message and not a flag a closure might miss. The actor never
// holds a store handle; every flush re-acquires it through the session, and a
// flush that loses the race with Destroy is silently dropped.
type GatewaySettings struct {
	// bounded delay before pending ops flush, roughly one rendering frame
	FlushInterval time.Duration
	MailboxSize   int
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		FlushInterval: 16 * time.Millisecond,
		MailboxSize:   1024,
	}
}

type opField uint8

const (
	fieldObjectCreate opField = iota
	fieldObjectPosition
	fieldObjectSize
	fieldObjectContent
	fieldObjectPaintOrder
	fieldObjectLocked
	fieldObjectDeleted
	fieldRelationCreate
	fieldRelationLabel
	fieldRelationDeleted
)

type coalesceKey struct {
	target Id
	field  opField
}

func opCoalesceKey(op any) (coalesceKey, error) {
	switch v := op.(type) {
	case *ObjectCreate:
		return objectKey(v.ObjectId, fieldObjectCreate)
	case *ObjectSetPosition:
		return objectKey(v.ObjectId, fieldObjectPosition)
	case *ObjectSetSize:
		return objectKey(v.ObjectId, fieldObjectSize)
	case *ObjectSetContent:
		return objectKey(v.ObjectId, fieldObjectContent)
	case *ObjectSetPaintOrder:
		return objectKey(v.ObjectId, fieldObjectPaintOrder)
	case *ObjectSetLocked:
		return objectKey(v.ObjectId, fieldObjectLocked)
	case *ObjectSetDeleted:
		return objectKey(v.ObjectId, fieldObjectDeleted)
	case *RelationCreate:
		return objectKey(v.RelationId, fieldRelationCreate)
	case *RelationSetLabel:
		return objectKey(v.RelationId, fieldRelationLabel)
	case *RelationSetDeleted:
		return objectKey(v.RelationId, fieldRelationDeleted)
	default:
		return coalesceKey{}, fmt.Errorf("unknown op type: %T", v)
	}
}

func objectKey(idBytes []byte, field opField) (coalesceKey, error) {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		return coalesceKey{}, err
	}
	return coalesceKey{
		target: id,
		field:  field,
	}, nil
}

type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	session  *Session
	settings *GatewaySettings

	submits   chan any
	flushNows chan chan struct{}

	done chan struct{}
}

func NewGateway(ctx context.Context, session *Session, settings *GatewaySettings) *Gateway {
	cancelCtx, cancel := context.WithCancel(ctx)
	gateway := &Gateway{
		ctx:       cancelCtx,
		cancel:    cancel,
		session:   session,
		settings:  settings,
		submits:   make(chan any, settings.MailboxSize),
		flushNows: make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	go gateway.run()
	return gateway
}

// Submit enqueues op. Multiple pending ops against the same (target, field)
// coalesce to the most recent value. Local mutations flush in submission
// order across distinct keys.
func (self *Gateway) Submit(op any) error {
	if _, err := opCoalesceKey(op); err != nil {
		return err
	}
	select {
	case self.submits <- op:
		return nil
	case <-self.ctx.Done():
		return ErrSessionNotLive
	}
}

// FlushNow applies pending ops without waiting out the flush interval.
// Returns once the flush completed (or was dropped because the session is no
// longer live).
func (self *Gateway) FlushNow() error {
	flushed := make(chan struct{})
	select {
	case self.flushNows <- flushed:
	case <-self.ctx.Done():
		return ErrSessionNotLive
	}
	select {
	case <-flushed:
		return nil
	case <-self.ctx.Done():
		return ErrSessionNotLive
	}
}

// Cancel discards pending, unflushed ops and stops the actor. Blocks until
// the mailbox loop has exited, so after Cancel returns nothing of the
// gateway's will touch the store again.
func (self *Gateway) Cancel() {
	self.cancel()
	<-self.done
}

func (self *Gateway) run() {
	defer close(self.done)

	pending := map[coalesceKey]any{}
	order := []coalesceKey{}

	timer := time.NewTimer(self.settings.FlushInterval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	var flushC <-chan time.Time

	flush := func() {
		if flushC != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			flushC = nil
		}
		if len(order) == 0 {
			return
		}
		ops := make([]any, 0, len(order))
		for _, key := range order {
			ops = append(ops, pending[key])
		}
		pending = map[coalesceKey]any{}
		order = order[:0]

		for _, op := range ops {
			err := self.session.withCore(func(core *sessionCore) error {
				return core.applyLocal(self.session, op)
			})
			if err != nil {
				if errors.Is(err, ErrSessionNotLive) {
					// teardown won the race. Drop the rest silently.
					glog.V(1).Infof("[gw]drop flush, session not live\n")
					return
				}
				glog.Infof("[gw]drop op = %s\n", err)
			}
		}
	}

	enqueue := func(op any) {
		key, err := opCoalesceKey(op)
		if err != nil {
			// Submit validated already
			return
		}
		if _, ok := pending[key]; !ok {
			order = append(order, key)
		}
		pending[key] = op
		if flushC == nil {
			timer.Reset(self.settings.FlushInterval)
			flushC = timer.C
		}
	}
	// everything submitted before a FlushNow must be in that flush
	drain := func() {
		for {
			select {
			case op := <-self.submits:
				enqueue(op)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-self.ctx.Done():
			// canceled. Pending ops are discarded without applying.
			return
		case op := <-self.submits:
			enqueue(op)
		case flushed := <-self.flushNows:
			drain()
			flush()
			close(flushed)
		case <-flushC:
			flush()
		}
	}
}
