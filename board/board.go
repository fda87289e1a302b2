package board

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	idBytes, err := hex.DecodeString(idStr)
	if err != nil {
		return Id{}, err
	}
	return IdFromBytes(idBytes)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return hex.EncodeToString(self[0:16])
}

// total order used to break write stamp ties between replicas
func (self Id) Cmp(id Id) int {
	return bytes.Compare(self[0:16], id[0:16])
}

type Point struct {
	X float64
	Y float64
}

func (self Point) IsFinite() bool {
	return isFinite(self.X) && isFinite(self.Y)
}

type Size struct {
	W float64
	H float64
}

func (self Size) IsValid() bool {
	return isFinite(self.W) && isFinite(self.H) && 0 <= self.W && 0 <= self.H
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// axis-aligned bounding box. Min <= Max on both axes for a valid rect.
type Rect struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

func RectFromPositionSize(position Point, size Size) Rect {
	return Rect{
		MinX: position.X,
		MinY: position.Y,
		MaxX: position.X + size.W,
		MaxY: position.Y + size.H,
	}
}

func (self Rect) Intersects(rect Rect) bool {
	return self.MinX <= rect.MaxX && rect.MinX <= self.MaxX &&
		self.MinY <= rect.MaxY && rect.MinY <= self.MaxY
}

func (self Rect) Contains(rect Rect) bool {
	return self.MinX <= rect.MinX && rect.MaxX <= self.MaxX &&
		self.MinY <= rect.MinY && rect.MaxY <= self.MaxY
}

func (self Rect) ContainsPoint(point Point) bool {
	return self.MinX <= point.X && point.X <= self.MaxX &&
		self.MinY <= point.Y && point.Y <= self.MaxY
}

func (self Rect) Expand(margin float64) Rect {
	return Rect{
		MinX: self.MinX - margin,
		MinY: self.MinY - margin,
		MaxX: self.MaxX + margin,
		MaxY: self.MaxY + margin,
	}
}

func (self Rect) Union(rect Rect) Rect {
	return Rect{
		MinX: math.Min(self.MinX, rect.MinX),
		MinY: math.Min(self.MinY, rect.MinY),
		MaxX: math.Max(self.MaxX, rect.MaxX),
		MaxY: math.Max(self.MaxY, rect.MaxY),
	}
}

func (self Rect) Center() Point {
	return Point{
		X: (self.MinX + self.MaxX) / 2,
		Y: (self.MinY + self.MaxY) / 2,
	}
}

func (self Rect) String() string {
	return fmt.Sprintf("(%f,%f)-(%f,%f)", self.MinX, self.MinY, self.MaxX, self.MaxY)
}

// opaque content payload with a kind tag. The engine never inspects Data.
type Content struct {
	Kind string
	Data []byte
}

type Anchor uint8

const (
	AnchorTop Anchor = iota
	AnchorRight
	AnchorBottom
	AnchorLeft
)

// materialized object value returned by reads. Never a live reference into the doc.
type Object struct {
	Id         Id
	Position   Point
	Size       Size
	Content    Content
	PaintOrder int64
	Locked     bool
	Deleted    bool
}

func (self *Object) Box() Rect {
	return RectFromPositionSize(self.Position, self.Size)
}

// materialized relation value returned by reads
type Relation struct {
	Id           Id
	SourceId     Id
	TargetId     Id
	SourceAnchor Anchor
	TargetAnchor Anchor
	Label        string
	Deleted      bool
}
