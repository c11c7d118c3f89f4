package whiteboard

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func rectAt(id string, authorId string, timestamp TimestampMillis, complete bool) *Element {
	payload := &RectanglePayload{
		Start: &Point{X: 10, Y: 10},
	}
	if complete {
		payload.End = &Point{X: 100, Y: 100}
	}
	return &Element{
		Id:        id,
		Kind:      KindRectangle,
		Payload:   payload,
		Timestamp: timestamp,
		AuthorId:  authorId,
	}
}

func strokeAt(id string, authorId string, timestamp TimestampMillis, origin Point) *Element {
	points := []Point{
		origin,
		{X: origin.X + 5, Y: origin.Y + 5},
		{X: origin.X + 10, Y: origin.Y + 10},
		{X: origin.X + 15, Y: origin.Y + 15},
	}
	return &Element{
		Id:        id,
		Kind:      KindStroke,
		Payload:   &StrokePayload{Points: points},
		Timestamp: timestamp,
		AuthorId:  authorId,
	}
}

func deleteAt(id string, authorId string, timestamp TimestampMillis) *Element {
	return &Element{
		Id:        id,
		Kind:      KindRectangle,
		Timestamp: timestamp,
		AuthorId:  authorId,
		Deleted:   true,
	}
}

func TestLargeGapLastWriteWins(t *testing.T) {
	existing := rectAt("e1", "zed", 10000, true)
	incoming := rectAt("e1", "alice", 11500, true)

	// a 1500ms gap is trusted ordering, authors do not matter
	assert.Equal(t, Decide(incoming, existing), Accept)
	assert.Equal(t, Decide(existing, incoming), Reject)
}

func TestMidWindowLastWriteWins(t *testing.T) {
	existing := rectAt("e1", "zed", 10000, true)
	incoming := rectAt("e1", "alice", 10800, true)

	assert.Equal(t, Decide(incoming, existing), Accept)
	assert.Equal(t, Decide(existing, incoming), Reject)
}

func TestAuthorTiebreak(t *testing.T) {
	// equal timestamps, bob beats alice, repeatably
	for i := 0; i < 16; i += 1 {
		alice := rectAt("e1", "alice", 10000, true)
		bob := rectAt("e1", "bob", 10000, true)

		assert.Equal(t, Decide(bob, alice), Accept)
		assert.Equal(t, Decide(alice, bob), Reject)
	}
}

func TestAbsentExistingAccepts(t *testing.T) {
	incoming := rectAt("e1", "alice", 10000, false)
	assert.Equal(t, Decide(incoming, nil), Accept)
}

func TestCompletenessOverride(t *testing.T) {
	complete := rectAt("e1", "zed", 10000, true)
	// only start coordinates set, arriving 200ms later
	halfMade := rectAt("e1", "alice", 10200, false)

	assert.Equal(t, Decide(halfMade, complete), Reject)
	// and the complete one wins even while older
	assert.Equal(t, Decide(complete, halfMade), Accept)
}

func TestConcurrentEqualCompletenessFallsToAuthor(t *testing.T) {
	a := rectAt("e1", "alice", 10000, true)
	b := rectAt("e1", "bob", 10300, true)

	assert.Equal(t, Decide(b, a), Accept)
	assert.Equal(t, Decide(a, b), Reject)
}

func TestDeleteWins(t *testing.T) {
	existing := rectAt("e1", "alice", 10000, true)

	newerDelete := deleteAt("e1", "bob", 10001)
	assert.Equal(t, Decide(newerDelete, existing), Accept)

	olderDelete := deleteAt("e1", "bob", 9999)
	assert.Equal(t, Decide(olderDelete, existing), Reject)

	equalDelete := deleteAt("e1", "bob", 10000)
	assert.Equal(t, Decide(equalDelete, existing), Reject)

	// deleting an unknown id is accepted
	assert.Equal(t, Decide(newerDelete, nil), Accept)
}

func TestConcurrentStrokeSameAuthor(t *testing.T) {
	older := strokeAt("s1", "alice", 10000, Point{X: 10, Y: 10})
	newer := strokeAt("s1", "alice", 10100, Point{X: 10, Y: 10})

	assert.Equal(t, Decide(newer, older), Accept)
	assert.Equal(t, Decide(older, newer), Reject)
	// re-applying the same operation is rejected
	assert.Equal(t, Decide(newer, newer), Reject)
}

func TestConcurrentStrokeSameTarget(t *testing.T) {
	// first points within 10 units on both axes: same physical target,
	// falls back to last-write-wins
	a := strokeAt("s1", "alice", 10000, Point{X: 10, Y: 10})
	b := strokeAt("s1", "bob", 10100, Point{X: 15, Y: 15})

	assert.Equal(t, Decide(b, a), Accept)
	assert.Equal(t, Decide(a, b), Reject)
}

func TestConcurrentStrokeDifferentTargets(t *testing.T) {
	// far apart: two independent strokes, the incoming one is accepted
	// in both orders
	a := strokeAt("s1", "alice", 10100, Point{X: 10, Y: 10})
	b := strokeAt("s1", "bob", 10000, Point{X: 500, Y: 500})

	assert.Equal(t, Decide(b, a), Accept)
	assert.Equal(t, Decide(a, b), Accept)
}

func TestStrokeLargeGapStillOrdered(t *testing.T) {
	// outside the concurrency window stroke rules do not apply
	a := strokeAt("s1", "alice", 10000, Point{X: 10, Y: 10})
	b := strokeAt("s1", "bob", 12000, Point{X: 500, Y: 500})

	assert.Equal(t, Decide(b, a), Accept)
	assert.Equal(t, Decide(a, b), Reject)
}
