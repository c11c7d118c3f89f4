package whiteboard

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ElementStore is one replica's authoritative map of live objects.
// Exactly one entry per live id. No history and no tombstones: an accepted
// delete physically removes the id.
//
// The store is exclusively owned by its replica. Everything it hands out is
// a structural copy, so external consumers can never corrupt resolver state.
type ElementStore struct {
	mutex sync.Mutex

	authorId string
	elements map[string]*Element
	// accepted operations per author. diagnostic bookkeeping only,
	// never consulted by the resolver.
	counters map[string]int64
}

func NewElementStore(authorId string) *ElementStore {
	return &ElementStore{
		authorId: authorId,
		elements: map[string]*Element{},
		counters: map[string]int64{
			authorId: 0,
		},
	}
}

func (self *ElementStore) AuthorId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.authorId
}

// Apply runs the element through the resolver and mutates on Accept:
// upsert for a live element, removal for a deleted one, plus a counter
// increment for the declared author. Reject mutates nothing.
func (self *ElementStore) Apply(incoming *Element) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.applyLocked(incoming)
}

func (self *ElementStore) applyLocked(incoming *Element) bool {
	if incoming == nil || incoming.Id == "" {
		return false
	}
	existing := self.elements[incoming.Id]
	if Decide(incoming, existing) != Accept {
		return false
	}
	if incoming.Deleted {
		delete(self.elements, incoming.Id)
	} else {
		self.elements[incoming.Id] = incoming.Clone()
	}
	self.counters[incoming.AuthorId] += 1
	return true
}

// Merge replays every element of the batch through the resolver in the
// batch's given order. The order is caller-supplied and not causal, so the
// outcome for racing same-id entries can depend on it. Returns the number of
// accepted elements.
func (self *ElementStore) Merge(batch []*Element) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	accepted := 0
	for _, el := range batch {
		if self.applyLocked(el) {
			accepted += 1
		}
	}
	return accepted
}

// Upsert stores the element bypassing the resolver
func (self *ElementStore) Upsert(id string, el *Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	clone := el.Clone()
	clone.Id = id
	self.elements[id] = clone
}

// Remove drops the id bypassing the resolver
func (self *ElementStore) Remove(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.elements[id]; !ok {
		return false
	}
	delete(self.elements, id)
	return true
}

func (self *ElementStore) Get(id string) (*Element, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	el, ok := self.elements[id]
	if !ok {
		return nil, false
	}
	return el.Clone(), true
}

func (self *ElementStore) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.elements)
}

// Snapshot returns a structural copy of the full map, never an alias
func (self *ElementStore) Snapshot() map[string]*Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshotLocked()
}

func (self *ElementStore) snapshotLocked() map[string]*Element {
	snapshot := make(map[string]*Element, len(self.elements))
	for id, el := range self.elements {
		snapshot[id] = el.Clone()
	}
	return snapshot
}

// LiveList returns the non-deleted elements sorted by id, as copies
func (self *ElementStore) LiveList() []*Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ids := maps.Keys(self.elements)
	slices.Sort(ids)

	live := make([]*Element, 0, len(ids))
	for _, id := range ids {
		el := self.elements[id]
		if el.Deleted {
			// only possible via a direct Upsert
			continue
		}
		live = append(live, el.Clone())
	}
	return live
}

func (self *ElementStore) Counters() map[string]int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	counters := make(map[string]int64, len(self.counters))
	maps.Copy(counters, self.counters)
	return counters
}

// Reset clears the map and counters and reseeds the given author's counter
// to zero. Used when switching collaboration sessions and before replaying a
// full snapshot.
func (self *ElementStore) Reset(authorId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.authorId = authorId
	self.elements = map[string]*Element{}
	self.counters = map[string]int64{
		authorId: 0,
	}
}
