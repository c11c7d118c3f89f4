package whiteboard

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCompleteness(t *testing.T) {
	twoPoints := &Element{Kind: KindStroke, Payload: &StrokePayload{
		Points: []Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}}
	assert.Equal(t, twoPoints.Complete(), false)

	threePoints := &Element{Kind: KindStroke, Payload: &StrokePayload{
		Points: []Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}},
	}}
	assert.Equal(t, threePoints.Complete(), true)

	halfRect := &Element{Kind: KindRectangle, Payload: &RectanglePayload{
		Start: &Point{X: 10, Y: 10},
	}}
	assert.Equal(t, halfRect.Complete(), false)

	// spans must exceed 5 units on each axis
	thinRect := &Element{Kind: KindRectangle, Payload: &RectanglePayload{
		Start: &Point{X: 10, Y: 10},
		End:   &Point{X: 100, Y: 14},
	}}
	assert.Equal(t, thinRect.Complete(), false)

	fullRect := &Element{Kind: KindRectangle, Payload: &RectanglePayload{
		Start: &Point{X: 10, Y: 10},
		End:   &Point{X: 100, Y: 100},
	}}
	assert.Equal(t, fullRect.Complete(), true)

	circle := &Element{Kind: KindCircle, Payload: &CirclePayload{
		Start: &Point{X: 0, Y: 0},
		End:   &Point{X: 50, Y: 50},
	}}
	assert.Equal(t, circle.Complete(), true)

	halfLine := &Element{Kind: KindLine, Payload: &LinePayload{
		Start: &Point{X: 0, Y: 0},
	}}
	assert.Equal(t, halfLine.Complete(), false)

	line := &Element{Kind: KindLine, Payload: &LinePayload{
		Start: &Point{X: 0, Y: 0},
		End:   &Point{X: 1, Y: 1},
	}}
	assert.Equal(t, line.Complete(), true)

	blankText := &Element{Kind: KindText, Payload: &TextPayload{Content: "   \n\t"}}
	assert.Equal(t, blankText.Complete(), false)

	text := &Element{Kind: KindText, Payload: &TextPayload{Content: "hello"}}
	assert.Equal(t, text.Complete(), true)

	// unrecognized kinds are always complete
	opaque := &Element{Kind: Kind("triangle"), Payload: &OpaquePayload{OpaqueKind: Kind("triangle")}}
	assert.Equal(t, opaque.Complete(), true)
}

func TestDefensiveDecode(t *testing.T) {
	// a stroke with no payload at all decodes to an empty path
	el := &Element{}
	err := json.Unmarshal([]byte(`{"id":"s1","kind":"stroke","timestamp":10,"authorId":"alice"}`), el)
	assert.Equal(t, err, nil)
	stroke, ok := el.Payload.(*StrokePayload)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(stroke.Points), 0)
	assert.Equal(t, el.Complete(), false)

	// a rectangle with missing endpoints decodes with nil endpoints
	el = &Element{}
	err = json.Unmarshal([]byte(`{"id":"r1","kind":"rectangle","payload":{},"timestamp":10}`), el)
	assert.Equal(t, err, nil)
	rect, ok := el.Payload.(*RectanglePayload)
	assert.Equal(t, ok, true)
	assert.Equal(t, rect.Start, nil)
	assert.Equal(t, el.Complete(), false)
}

func TestUnknownKindRoundTrip(t *testing.T) {
	in := []byte(`{"id":"t1","kind":"triangle","payload":{"vertices":3},"timestamp":10,"authorId":"alice"}`)

	el := &Element{}
	err := json.Unmarshal(in, el)
	assert.Equal(t, err, nil)
	assert.Equal(t, el.Kind, Kind("triangle"))
	assert.Equal(t, el.Complete(), true)

	out, err := json.Marshal(el)
	assert.Equal(t, err, nil)

	el2 := &Element{}
	err = json.Unmarshal(out, el2)
	assert.Equal(t, err, nil)
	opaque, ok := el2.Payload.(*OpaquePayload)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(opaque.Raw), `{"vertices":3}`)
}

func TestElementJsonRoundTrip(t *testing.T) {
	el := &Element{
		Id:        "e1",
		Kind:      KindText,
		Payload:   &TextPayload{Content: "hi", Position: &Point{X: 3, Y: 4}},
		Timestamp: 10000,
		AuthorId:  "alice",
	}

	b, err := json.Marshal(el)
	assert.Equal(t, err, nil)

	el2 := &Element{}
	err = json.Unmarshal(b, el2)
	assert.Equal(t, err, nil)
	assert.Equal(t, el2, el)
}

func TestCloneIsDeep(t *testing.T) {
	el := strokeAt("s1", "alice", 10000, Point{X: 10, Y: 10})

	clone := el.Clone()
	clone.Payload.(*StrokePayload).Points[0] = Point{X: -1, Y: -1}

	first, _ := el.FirstPoint()
	assert.Equal(t, first, Point{X: 10, Y: 10})
}
