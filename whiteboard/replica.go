package whiteboard

import (
	"context"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type SnapshotFunction func(elements map[string]*Element)
type CursorFunction func(authorId string, cursor *Cursor)
type PresenceFunction func(authorId string, joined bool)

// Replica is one participant's element store plus resolver, kept eventually
// consistent with its peers by the sync transport. Local edits and inbound
// messages both funnel through the resolver; rendering consumers observe the
// result through fresh read-only snapshots.
type Replica struct {
	ctx    context.Context
	cancel context.CancelFunc

	authorId string

	store     *ElementStore
	transport *SyncTransport

	snapshotCallbacks *CallbackList[SnapshotFunction]
	cursorCallbacks   *CallbackList[CursorFunction]
	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewReplicaWithDefaults(
	ctx context.Context,
	url string,
	sessionId string,
	authorId string,
) *Replica {
	return NewReplica(ctx, url, sessionId, authorId, DefaultSyncTransportSettings())
}

func NewReplica(
	ctx context.Context,
	url string,
	sessionId string,
	authorId string,
	settings *SyncTransportSettings,
) *Replica {
	cancelCtx, cancel := context.WithCancel(ctx)
	replica := &Replica{
		ctx:               cancelCtx,
		cancel:            cancel,
		authorId:          authorId,
		store:             NewElementStore(authorId),
		snapshotCallbacks: NewCallbackList[SnapshotFunction](),
		cursorCallbacks:   NewCallbackList[CursorFunction](),
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
	replica.transport = NewSyncTransport(cancelCtx, url, sessionId, authorId, settings)
	replica.transport.AddReceiveCallback(replica.handleMessage)
	return replica
}

func (self *Replica) AuthorId() string {
	return self.authorId
}

func (self *Replica) SessionId() string {
	return self.transport.SessionId()
}

func (self *Replica) ConnectionState() ConnectionState {
	return self.transport.State()
}

func (self *Replica) Transport() *SyncTransport {
	return self.transport
}

// returns a remove function. the callback receives a fresh structural copy
// after every accepted mutation and must not feed results back in.
func (self *Replica) AddSnapshotCallback(callback SnapshotFunction) func() {
	return self.snapshotCallbacks.Add(callback)
}

// returns a remove function
func (self *Replica) AddCursorCallback(callback CursorFunction) func() {
	return self.cursorCallbacks.Add(callback)
}

// returns a remove function
func (self *Replica) AddStateCallback(callback StateFunction) func() {
	return self.transport.AddStateCallback(callback)
}

// returns a remove function
func (self *Replica) AddPresenceCallback(callback PresenceFunction) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *Replica) Snapshot() map[string]*Element {
	return self.store.Snapshot()
}

func (self *Replica) LiveList() []*Element {
	return self.store.LiveList()
}

func (self *Replica) Counters() map[string]int64 {
	return self.store.Counters()
}

// Apply runs a local edit through the resolver and, when accepted, queues it
// for the peers. The local replica is optimistic: the edit is visible
// locally before any peer confirms it.
func (self *Replica) Apply(el *Element) bool {
	if !self.store.Apply(el) {
		return false
	}
	self.transport.EnqueueLocal(el)
	self.notifySnapshot()
	return true
}

// Delete removes a local element. Locally the deletion runs through the
// resolver as a deleted operation; on the wire it is a bare delete frame,
// which peers apply unconditionally.
func (self *Replica) Delete(id string) bool {
	existing, ok := self.store.Get(id)
	if !ok {
		return false
	}
	op := &Element{
		Id:        id,
		Kind:      existing.Kind,
		Timestamp: NowMillis(),
		AuthorId:  self.authorId,
		Deleted:   true,
	}
	if !self.store.Apply(op) {
		return false
	}
	self.transport.Send(NewDeleteMessage(id, self.authorId))
	self.notifySnapshot()
	return true
}

// MoveCursor broadcasts the local pointer. Cursors are ephemeral and never
// reach the resolver or the store.
func (self *Replica) MoveCursor(cursor *Cursor) {
	env, err := NewCursorMessage(cursor, self.authorId)
	if err != nil {
		glog.Infof("[r]%s cursor encode error = %s\n", self.authorId, err)
		return
	}
	self.transport.Send(env)
}

// FlushDrawingSession force-ends the local batching interval
func (self *Replica) FlushDrawingSession() {
	self.transport.FlushDrawingSession()
}

// SwitchSession discards and reseeds the entire replica state, then
// reconnects to the new collaboration session.
func (self *Replica) SwitchSession(sessionId string) {
	self.store.Reset(self.authorId)
	self.transport.SwitchSession(sessionId)
	self.notifySnapshot()
}

func (self *Replica) Close() {
	self.cancel()
}

func (self *Replica) notifySnapshot() {
	snapshot := self.store.Snapshot()
	for _, callback := range self.snapshotCallbacks.Get() {
		callback(snapshot)
	}
}

func (self *Replica) handleMessage(env *Envelope) {
	switch env.Kind {
	case MessageSync:
		self.handleSync(env)
	case MessageOperation:
		self.handleOperation(env)
	case MessageBatchOperations:
		self.handleBatch(env)
	case MessageDelete:
		self.handleDelete(env)
	case MessageCursor:
		self.handleCursor(env)
	case MessageUserJoined:
		for _, callback := range self.presenceCallbacks.Get() {
			callback(env.ClientId, true)
		}
	case MessageUserLeft:
		for _, callback := range self.presenceCallbacks.Get() {
			callback(env.ClientId, false)
		}
	default:
		glog.V(2).Infof("[r]%s<- ignore %s\n", self.authorId, env.Kind)
	}
}

// a full snapshot replaces the entire local map: clear and reseed, then
// replay every entry through the resolver. ids are replayed in sorted order
// so the same snapshot always yields the same state.
func (self *Replica) handleSync(env *Envelope) {
	payload, err := env.SyncPayload()
	if err != nil {
		glog.Infof("[r]%s<- drop sync = %s\n", self.authorId, err)
		return
	}

	self.store.Reset(self.authorId)

	ids := maps.Keys(payload.State)
	slices.Sort(ids)
	for _, id := range ids {
		el := payload.State[id]
		if el == nil {
			continue
		}
		if el.Id == "" {
			el.Id = id
		}
		self.store.Apply(el)
	}
	self.notifySnapshot()

	for authorId, cursor := range payload.Cursors {
		if authorId == self.authorId || cursor == nil {
			continue
		}
		for _, callback := range self.cursorCallbacks.Get() {
			callback(authorId, cursor)
		}
	}
}

func (self *Replica) handleOperation(env *Envelope) {
	if env.SenderId == self.authorId {
		// echo of our own immediate-path operation
		return
	}
	el, err := env.OperationElement()
	if err != nil {
		glog.Infof("[r]%s<- drop operation = %s\n", self.authorId, err)
		return
	}
	if self.store.Apply(el) {
		self.notifySnapshot()
	}
	// a rejected operation is a normal outcome, not an error
}

// each element replays through the resolver in received array order. no
// causal reordering is performed, so the result for racing same-id entries
// can depend on that order.
func (self *Replica) handleBatch(env *Envelope) {
	batch, err := env.BatchPayload()
	if err != nil {
		glog.Infof("[r]%s<- drop batch = %s\n", self.authorId, err)
		return
	}
	if 0 < self.store.Merge(batch.Operations) {
		self.notifySnapshot()
	}
}

// an explicit delete removes the id unconditionally, bypassing the resolver.
// the frame carries no timestamp, so there is nothing to compare against.
func (self *Replica) handleDelete(env *Envelope) {
	if env.ElementId == "" {
		return
	}
	if self.store.Remove(env.ElementId) {
		self.notifySnapshot()
	}
}

func (self *Replica) handleCursor(env *Envelope) {
	authorId := env.ClientId
	if authorId == "" {
		authorId = env.SenderId
	}
	if authorId == self.authorId {
		return
	}
	cursor, err := env.CursorPayload()
	if err != nil {
		glog.Infof("[r]%s<- drop cursor = %s\n", self.authorId, err)
		return
	}
	for _, callback := range self.cursorCallbacks.Get() {
		callback(authorId, cursor)
	}
}
