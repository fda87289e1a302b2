package board

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// compact binary wire format: a Frame envelope carrying one msgpack-encoded
// message. The relay only ever looks at the envelope type to route bytes; it
// never decodes message bodies. Unknown message types are skip-and-log on the
// receive side, never fatal, so new message types can be added without
// breaking old replicas.

var errUnknownMessageType = errors.New("unknown message type")

type MessageType uint8

const (
	// session messages
	MessageTypeJoin            MessageType = 1
	MessageTypeJoinAck         MessageType = 2
	MessageTypeSnapshotRequest MessageType = 3
	MessageTypeSnapshot        MessageType = 4
	MessageTypeSnapshotPush    MessageType = 5

	// mutation deltas. Everything at or above MessageTypeObjectCreate is a
	// delta and is relayed/persisted as opaque bytes.
	MessageTypeObjectCreate        MessageType = 32
	MessageTypeObjectSetPosition   MessageType = 33
	MessageTypeObjectSetSize       MessageType = 34
	MessageTypeObjectSetContent    MessageType = 35
	MessageTypeObjectSetPaintOrder MessageType = 36
	MessageTypeObjectSetLocked     MessageType = 37
	MessageTypeObjectSetDeleted    MessageType = 38
	MessageTypeRelationCreate      MessageType = 48
	MessageTypeRelationSetLabel    MessageType = 49
	MessageTypeRelationSetDeleted  MessageType = 50
)

func (self MessageType) IsDelta() bool {
	return MessageTypeObjectCreate <= self
}

func (self MessageType) String() string {
	switch self {
	case MessageTypeJoin:
		return "join"
	case MessageTypeJoinAck:
		return "join_ack"
	case MessageTypeSnapshotRequest:
		return "snapshot_request"
	case MessageTypeSnapshot:
		return "snapshot"
	case MessageTypeSnapshotPush:
		return "snapshot_push"
	case MessageTypeObjectCreate:
		return "object_create"
	case MessageTypeObjectSetPosition:
		return "object_set_position"
	case MessageTypeObjectSetSize:
		return "object_set_size"
	case MessageTypeObjectSetContent:
		return "object_set_content"
	case MessageTypeObjectSetPaintOrder:
		return "object_set_paint_order"
	case MessageTypeObjectSetLocked:
		return "object_set_locked"
	case MessageTypeObjectSetDeleted:
		return "object_set_deleted"
	case MessageTypeRelationCreate:
		return "relation_create"
	case MessageTypeRelationSetLabel:
		return "relation_set_label"
	case MessageTypeRelationSetDeleted:
		return "relation_set_deleted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

type Frame struct {
	MessageType  MessageType `codec:"t"`
	MessageBytes []byte      `codec:"b"`
}

type WireStamp struct {
	Counter   uint64 `codec:"c"`
	ReplicaId []byte `codec:"r"`
}

func (self WireStamp) Stamp() (Stamp, error) {
	replicaId, err := IdFromBytes(self.ReplicaId)
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{
		Counter: self.Counter,
		Replica: replicaId,
	}, nil
}

func ToWireStamp(stamp Stamp) WireStamp {
	return WireStamp{
		Counter:   stamp.Counter,
		ReplicaId: stamp.Replica.Bytes(),
	}
}

// join handshake, sent as the first frame on a relay connection
type Join struct {
	Token      string `codec:"tk"`
	DocumentId []byte `codec:"d"`
	ReplicaId  []byte `codec:"r"`
}

// join response: the latest pushed snapshot plus the delta log tail recorded
// since it. SnapshotBytes may be empty for a brand new document.
type JoinAck struct {
	SnapshotBytes []byte   `codec:"s"`
	DeltaBytes    [][]byte `codec:"ds"`
	Checkpoint    uint64   `codec:"cp"`
}

type SnapshotRequest struct {
	DocumentId []byte `codec:"d"`
}

// a replica pushing its current snapshot bytes so the relay can serve late
// joiners. The relay stores the bytes opaquely.
type SnapshotPush struct {
	SnapshotBytes []byte `codec:"s"`
}

// mutation deltas. Each one is exactly one field write (or one create) with
// the write stamp that decides the LWW merge.

type ObjectCreate struct {
	ObjectId    []byte    `codec:"o"`
	X           float64   `codec:"x"`
	Y           float64   `codec:"y"`
	W           float64   `codec:"w"`
	H           float64   `codec:"h"`
	ContentKind string    `codec:"ck"`
	ContentData []byte    `codec:"cd"`
	PaintOrder  int64     `codec:"p"`
	Stamp       WireStamp `codec:"st"`
}

type ObjectSetPosition struct {
	ObjectId []byte    `codec:"o"`
	X        float64   `codec:"x"`
	Y        float64   `codec:"y"`
	Stamp    WireStamp `codec:"st"`
}

type ObjectSetSize struct {
	ObjectId []byte    `codec:"o"`
	W        float64   `codec:"w"`
	H        float64   `codec:"h"`
	Stamp    WireStamp `codec:"st"`
}

type ObjectSetContent struct {
	ObjectId    []byte    `codec:"o"`
	ContentKind string    `codec:"ck"`
	ContentData []byte    `codec:"cd"`
	Stamp       WireStamp `codec:"st"`
}

type ObjectSetPaintOrder struct {
	ObjectId   []byte    `codec:"o"`
	PaintOrder int64     `codec:"p"`
	Stamp      WireStamp `codec:"st"`
}

type ObjectSetLocked struct {
	ObjectId []byte    `codec:"o"`
	Locked   bool      `codec:"l"`
	Stamp    WireStamp `codec:"st"`
}

// deleted is an ordinary LWW field write. Deleted=true is the tombstone;
// deleted=false with a newer stamp is undo of delete.
type ObjectSetDeleted struct {
	ObjectId []byte    `codec:"o"`
	Deleted  bool      `codec:"dl"`
	Stamp    WireStamp `codec:"st"`
}

type RelationCreate struct {
	RelationId   []byte    `codec:"rl"`
	SourceId     []byte    `codec:"sc"`
	TargetId     []byte    `codec:"tg"`
	SourceAnchor uint8     `codec:"sa"`
	TargetAnchor uint8     `codec:"ta"`
	Label        string    `codec:"lb"`
	Stamp        WireStamp `codec:"st"`
}

type RelationSetLabel struct {
	RelationId []byte    `codec:"rl"`
	Label      string    `codec:"lb"`
	Stamp      WireStamp `codec:"st"`
}

type RelationSetDeleted struct {
	RelationId []byte    `codec:"rl"`
	Deleted    bool      `codec:"dl"`
	Stamp      WireStamp `codec:"st"`
}

/// full serialized document: all objects and relations including tombstones
// and not-yet-created entries holding buffered field writes, plus the
// high-water logical clock per replica
type WireSnapshot struct {
	DocumentId []byte            `codec:"d"`
	Objects    []*WireObject     `codec:"o"`
	Relations  []*WireRelation   `codec:"rl"`
	Clocks     map[string]uint64 `codec:"c"`
}

type WireObject struct {
	ObjectId []byte `codec:"o"`
	// false when only field writes buffered ahead of the create have been
	// observed; the entry carries their stamps so they survive a snapshot
	// round trip
	Present         bool      `codec:"pr"`
	X               float64   `codec:"x"`
	Y               float64   `codec:"y"`
	PositionStamp   WireStamp `codec:"xs"`
	W               float64   `codec:"w"`
	H               float64   `codec:"h"`
	SizeStamp       WireStamp `codec:"ws"`
	ContentKind     string    `codec:"ck"`
	ContentData     []byte    `codec:"cd"`
	ContentStamp    WireStamp `codec:"cs"`
	PaintOrder      int64     `codec:"p"`
	PaintOrderStamp WireStamp `codec:"ps"`
	Locked          bool      `codec:"l"`
	LockedStamp     WireStamp `codec:"ls"`
	Deleted         bool      `codec:"dl"`
	DeletedStamp    WireStamp `codec:"ds"`
}

type WireRelation struct {
	RelationId   []byte    `codec:"rl"`
	Present      bool      `codec:"pr"`
	SourceId     []byte    `codec:"sc"`
	TargetId     []byte    `codec:"tg"`
	SourceAnchor uint8     `codec:"sa"`
	TargetAnchor uint8     `codec:"ta"`
	Label        string    `codec:"lb"`
	LabelStamp   WireStamp `codec:"lbs"`
	Deleted      bool      `codec:"dl"`
	DeletedStamp WireStamp `codec:"dls"`
	CreateStamp  WireStamp `codec:"crs"`
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeMessage(message any) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, msgpackHandle)
	if err := enc.Encode(message); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeMessage(b []byte, message any) error {
	dec := codec.NewDecoderBytes(b, msgpackHandle)
	return dec.Decode(message)
}

func ToFrame(message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *Join:
		messageType = MessageTypeJoin
	case *JoinAck:
		messageType = MessageTypeJoinAck
	case *SnapshotRequest:
		messageType = MessageTypeSnapshotRequest
	case *WireSnapshot:
		messageType = MessageTypeSnapshot
	case *SnapshotPush:
		messageType = MessageTypeSnapshotPush
	case *ObjectCreate:
		messageType = MessageTypeObjectCreate
	case *ObjectSetPosition:
		messageType = MessageTypeObjectSetPosition
	case *ObjectSetSize:
		messageType = MessageTypeObjectSetSize
	case *ObjectSetContent:
		messageType = MessageTypeObjectSetContent
	case *ObjectSetPaintOrder:
		messageType = MessageTypeObjectSetPaintOrder
	case *ObjectSetLocked:
		messageType = MessageTypeObjectSetLocked
	case *ObjectSetDeleted:
		messageType = MessageTypeObjectSetDeleted
	case *RelationCreate:
		messageType = MessageTypeRelationCreate
	case *RelationSetLabel:
		messageType = MessageTypeRelationSetLabel
	case *RelationSetDeleted:
		messageType = MessageTypeRelationSetDeleted
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	b, err := encodeMessage(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		MessageType:  messageType,
		MessageBytes: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case MessageTypeJoin:
		message = &Join{}
	case MessageTypeJoinAck:
		message = &JoinAck{}
	case MessageTypeSnapshotRequest:
		message = &SnapshotRequest{}
	case MessageTypeSnapshot:
		message = &WireSnapshot{}
	case MessageTypeSnapshotPush:
		message = &SnapshotPush{}
	case MessageTypeObjectCreate:
		message = &ObjectCreate{}
	case MessageTypeObjectSetPosition:
		message = &ObjectSetPosition{}
	case MessageTypeObjectSetSize:
		message = &ObjectSetSize{}
	case MessageTypeObjectSetContent:
		message = &ObjectSetContent{}
	case MessageTypeObjectSetPaintOrder:
		message = &ObjectSetPaintOrder{}
	case MessageTypeObjectSetLocked:
		message = &ObjectSetLocked{}
	case MessageTypeObjectSetDeleted:
		message = &ObjectSetDeleted{}
	case MessageTypeRelationCreate:
		message = &RelationCreate{}
	case MessageTypeRelationSetLabel:
		message = &RelationSetLabel{}
	case MessageTypeRelationSetDeleted:
		message = &RelationSetDeleted{}
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownMessageType, frame.MessageType)
	}
	if err := decodeMessage(frame.MessageBytes, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return encodeMessage(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := decodeMessage(b, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func DecodeMessage(b []byte) (any, error) {
	frame, err := DecodeFrame(b)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
