package whiteboard

import (
	"math"
)

// The resolver is a pure decision function over two candidate elements and
// their embedded timestamps and authors. No hidden state, no I/O, and never
// a mutation on Reject. Timestamps are author-local wall clocks, so inside a
// small gap they are treated as racing rather than ordered.

type Verdict int

const (
	Reject Verdict = iota
	Accept
)

func (self Verdict) String() string {
	switch self {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

const (
	// at or under this gap two edits are racing and timestamps are not trusted
	ConcurrentWindowMillis = TimestampMillis(500)
	// over this gap pure last-write-wins applies
	TrustedOrderGapMillis = TimestampMillis(1000)
	// two stroke first-points closer than this on both axes aim at the same
	// physical target
	StrokeTargetToleranceUnits = float64(10)
)

// Decide resolves an incoming element against the existing element under the
// same id. existing is nil when the id is unknown to the store.
//
// An accepted deleted element removes the id outright. A late add with a
// newer-comparing timestamp can then resurrect the id. That is documented
// behavior of the scheme, not a bug.
func Decide(incoming *Element, existing *Element) Verdict {
	if incoming.Deleted {
		if existing == nil || existing.Timestamp < incoming.Timestamp {
			return Accept
		}
		return Reject
	}

	if existing == nil {
		return Accept
	}

	gap := incoming.Timestamp - existing.Timestamp
	if gap < 0 {
		gap = -gap
	}

	if TrustedOrderGapMillis < gap {
		// the clocks are far enough apart to trust ordering
		return lastWriteWins(incoming, existing)
	}

	if gap <= ConcurrentWindowMillis {
		return decideConcurrent(incoming, existing)
	}

	// 500ms < gap <= 1000ms
	return lastWriteWins(incoming, existing)
}

func decideConcurrent(incoming *Element, existing *Element) Verdict {
	if incoming.Kind == KindStroke && existing.Kind == KindStroke {
		if incoming.AuthorId == existing.AuthorId {
			if existing.Timestamp < incoming.Timestamp {
				return Accept
			}
			return Reject
		}
		if sameStrokeTarget(incoming, existing) {
			return lastWriteWins(incoming, existing)
		}
		// two authors drew independent strokes that landed on one id.
		// treated as non-conflicting: the incoming element replaces the
		// entry, since the store keeps exactly one element per id.
		return Accept
	}

	incomingComplete := incoming.Complete()
	existingComplete := existing.Complete()
	if incomingComplete != existingComplete {
		// inside the racing window a finished shape or text beats a
		// half-made one regardless of timestamp order
		if incomingComplete {
			return Accept
		}
		return Reject
	}

	return authorTiebreak(incoming, existing)
}

// strict timestamp order, falling back to the author tiebreak on equality
func lastWriteWins(incoming *Element, existing *Element) Verdict {
	if existing.Timestamp < incoming.Timestamp {
		return Accept
	}
	if incoming.Timestamp < existing.Timestamp {
		return Reject
	}
	return authorTiebreak(incoming, existing)
}

// deterministic and coordination-free: every replica picks the same winner
func authorTiebreak(incoming *Element, existing *Element) Verdict {
	if existing.AuthorId < incoming.AuthorId {
		return Accept
	}
	return Reject
}

func sameStrokeTarget(a *Element, b *Element) bool {
	pa, oka := a.FirstPoint()
	pb, okb := b.FirstPoint()
	if !oka || !okb {
		// a pathless stroke has no position to compare
		return false
	}
	return math.Abs(pa.X-pb.X) < StrokeTargetToleranceUnits &&
		math.Abs(pa.Y-pb.Y) < StrokeTargetToleranceUnits
}
