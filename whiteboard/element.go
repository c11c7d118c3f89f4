package whiteboard

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type Kind string

const (
	KindStroke    Kind = "stroke"
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindLine      Kind = "line"
	KindText      Kind = "text"
)

// a rectangle or circle narrower than this on either axis is a degenerate
// drag that has not left its origin yet
const MinShapeSpanUnits = float64(5)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Payload is the kind-specific content of an element.
// The variants form a closed set. Every decision site (resolver,
// completeness, clone, codec) switches over all of them and panics on an
// unlisted variant, so a new kind cannot ship until each switch handles it.
type Payload interface {
	payloadKind() Kind
}

type StrokePayload struct {
	Points []Point `json:"points"`
	Color  string  `json:"color,omitempty"`
	Width  float64 `json:"width,omitempty"`
}

func (self *StrokePayload) payloadKind() Kind {
	return KindStroke
}

type RectanglePayload struct {
	Start *Point `json:"start"`
	End   *Point `json:"end"`
	Color string `json:"color,omitempty"`
}

func (self *RectanglePayload) payloadKind() Kind {
	return KindRectangle
}

type CirclePayload struct {
	Start *Point `json:"start"`
	End   *Point `json:"end"`
	Color string `json:"color,omitempty"`
}

func (self *CirclePayload) payloadKind() Kind {
	return KindCircle
}

type LinePayload struct {
	Start *Point `json:"start"`
	End   *Point `json:"end"`
	Color string `json:"color,omitempty"`
}

func (self *LinePayload) payloadKind() Kind {
	return KindLine
}

type TextPayload struct {
	Content  string  `json:"content"`
	Position *Point  `json:"position,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
}

func (self *TextPayload) payloadKind() Kind {
	return KindText
}

// OpaquePayload carries an element of a kind this build does not know.
// It is passed through the store and wire untouched and always counts as
// complete, so newer peers can extend the kind set without being clobbered.
type OpaquePayload struct {
	OpaqueKind Kind
	Raw        json.RawMessage
}

func (self *OpaquePayload) payloadKind() Kind {
	return self.OpaqueKind
}

// Element is one addressable whiteboard object. An element is replaced
// wholesale by each accepted operation. There is no field-level merge.
type Element struct {
	Id        string
	Kind      Kind
	Payload   Payload
	Timestamp TimestampMillis
	AuthorId  string
	Deleted   bool
}

type elementWire struct {
	Id        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	AuthorId  string          `json:"authorId,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

func (self *Element) MarshalJSON() ([]byte, error) {
	wire := &elementWire{
		Id:        self.Id,
		Kind:      self.Kind,
		Timestamp: self.Timestamp,
		AuthorId:  self.AuthorId,
		Deleted:   self.Deleted,
	}
	if self.Payload != nil {
		var payloadBytes []byte
		var err error
		switch p := self.Payload.(type) {
		case *OpaquePayload:
			payloadBytes = p.Raw
		default:
			payloadBytes, err = json.Marshal(self.Payload)
			if err != nil {
				return nil, err
			}
		}
		wire.Payload = payloadBytes
	}
	return json.Marshal(wire)
}

// missing payload fields decode to kind-safe zero values (empty path, zero
// coordinates, empty text) rather than failing
func (self *Element) UnmarshalJSON(b []byte) error {
	wire := &elementWire{}
	if err := json.Unmarshal(b, wire); err != nil {
		return err
	}

	payload, err := decodePayload(wire.Kind, wire.Payload)
	if err != nil {
		return err
	}

	self.Id = wire.Id
	self.Kind = wire.Kind
	self.Payload = payload
	self.Timestamp = wire.Timestamp
	self.AuthorId = wire.AuthorId
	self.Deleted = wire.Deleted
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch kind {
	case KindStroke:
		payload = &StrokePayload{}
	case KindRectangle:
		payload = &RectanglePayload{}
	case KindCircle:
		payload = &CirclePayload{}
	case KindLine:
		payload = &LinePayload{}
	case KindText:
		payload = &TextPayload{}
	default:
		return &OpaquePayload{OpaqueKind: kind, Raw: append(json.RawMessage{}, raw...)}, nil
	}
	if len(raw) == 0 {
		// absent payload, keep the zero defaults
		return payload, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("bad %s payload: %w", kind, err)
	}
	return payload, nil
}

// Complete reports whether an element has enough geometry or content to be a
// finished edit rather than a gesture still in progress. A complete element
// wins over an incomplete rival inside the concurrency window.
func (self *Element) Complete() bool {
	switch p := self.Payload.(type) {
	case nil:
		return false
	case *StrokePayload:
		return 2 < len(p.Points)
	case *RectanglePayload:
		return endpointsSpan(p.Start, p.End, MinShapeSpanUnits)
	case *CirclePayload:
		return endpointsSpan(p.Start, p.End, MinShapeSpanUnits)
	case *LinePayload:
		return p.Start != nil && p.End != nil
	case *TextPayload:
		return strings.TrimSpace(p.Content) != ""
	case *OpaquePayload:
		// unrecognized kinds are always complete
		return true
	default:
		panic(fmt.Errorf("unknown payload type: %T", p))
	}
}

func endpointsSpan(start *Point, end *Point, minSpan float64) bool {
	if start == nil || end == nil {
		return false
	}
	return minSpan < math.Abs(end.X-start.X) && minSpan < math.Abs(end.Y-start.Y)
}

// FirstPoint returns the first recorded point of a stroke path
func (self *Element) FirstPoint() (Point, bool) {
	if p, ok := self.Payload.(*StrokePayload); ok && 0 < len(p.Points) {
		return p.Points[0], true
	}
	return Point{}, false
}

// Clone returns a structural copy. Values handed outside the owning replica
// are always clones, never aliases into live state.
func (self *Element) Clone() *Element {
	clone := *self
	clone.Payload = clonePayload(self.Payload)
	return &clone
}

func clonePayload(payload Payload) Payload {
	switch p := payload.(type) {
	case nil:
		return nil
	case *StrokePayload:
		clone := *p
		clone.Points = append([]Point{}, p.Points...)
		return &clone
	case *RectanglePayload:
		clone := *p
		clone.Start = clonePoint(p.Start)
		clone.End = clonePoint(p.End)
		return &clone
	case *CirclePayload:
		clone := *p
		clone.Start = clonePoint(p.Start)
		clone.End = clonePoint(p.End)
		return &clone
	case *LinePayload:
		clone := *p
		clone.Start = clonePoint(p.Start)
		clone.End = clonePoint(p.End)
		return &clone
	case *TextPayload:
		clone := *p
		clone.Position = clonePoint(p.Position)
		return &clone
	case *OpaquePayload:
		clone := *p
		clone.Raw = append(json.RawMessage{}, p.Raw...)
		return &clone
	default:
		panic(fmt.Errorf("unknown payload type: %T", p))
	}
}

func clonePoint(point *Point) *Point {
	if point == nil {
		return nil
	}
	clone := *point
	return &clone
}
