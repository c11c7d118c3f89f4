package whiteboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// terminal until an explicit session switch
	StateGaveUp
)

func (self ConnectionState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

type SyncTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// heartbeat while connected. there is no local dead-peer detection
	// beyond the socket's own close/error.
	PingInterval time.Duration
	// full-state pull while connected and not mid-gesture
	SyncRequestInterval time.Duration
	// a drawing session ends after this long with no new local enqueue
	QuietPeriod time.Duration
	// retry delay is attempt * ReconnectBaseDelay
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// kinds sent immediately, point by point, independent of batching
	ImmediateKinds []Kind
	SendBufferSize int
}

func DefaultSyncTransportSettings() *SyncTransportSettings {
	return &SyncTransportSettings{
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         30 * time.Second,
		SyncRequestInterval:  10 * time.Second,
		QuietPeriod:          500 * time.Millisecond,
		ReconnectBaseDelay:   1 * time.Second,
		MaxReconnectAttempts: 5,
		ImmediateKinds:       []Kind{KindStroke},
		SendBufferSize:       32,
	}
}

type ReceiveFunction func(env *Envelope)
type StateFunction func(sessionId string, state ConnectionState)

// SyncTransport owns the connection lifecycle for one replica: dial,
// heartbeat, backoff reconnect, periodic freshness pull, and local-edit
// batching. All sends are fire-and-forget. Connection establishment is the
// only awaited operation.
type SyncTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	// base duplex endpoint, e.g. ws://host/ws
	url        string
	authorId   string
	instanceId Id

	settings *SyncTransportSettings

	immediateKinds mapset.Set[Kind]

	receiveCallbacks *CallbackList[ReceiveFunction]
	stateCallbacks   *CallbackList[StateFunction]

	mutex   sync.Mutex
	state   ConnectionState
	session *transportSession
}

// all timers and goroutines are scoped to one session, so work left over
// from a superseded session is a no-op
type transportSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId string
	send      chan []byte

	mutex         sync.Mutex
	drawing       bool
	pending       []*Element
	sentImmediate mapset.Set[string]
	flushTimer    *time.Timer
}

func NewSyncTransportWithDefaults(
	ctx context.Context,
	url string,
	sessionId string,
	authorId string,
) *SyncTransport {
	return NewSyncTransport(ctx, url, sessionId, authorId, DefaultSyncTransportSettings())
}

func NewSyncTransport(
	ctx context.Context,
	url string,
	sessionId string,
	authorId string,
	settings *SyncTransportSettings,
) *SyncTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	immediateKinds := mapset.NewSet[Kind]()
	for _, kind := range settings.ImmediateKinds {
		immediateKinds.Add(kind)
	}
	transport := &SyncTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		authorId:         authorId,
		instanceId:       NewId(),
		settings:         settings,
		immediateKinds:   immediateKinds,
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		stateCallbacks:   NewCallbackList[StateFunction](),
		state:            StateDisconnected,
	}
	transport.SwitchSession(sessionId)
	return transport
}

func (self *SyncTransport) AuthorId() string {
	return self.authorId
}

func (self *SyncTransport) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *SyncTransport) SessionId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.session == nil {
		return ""
	}
	return self.session.sessionId
}

// returns a remove function
func (self *SyncTransport) AddReceiveCallback(callback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

// returns a remove function
func (self *SyncTransport) AddStateCallback(callback StateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

// SwitchSession cancels whatever the current session is doing, including a
// terminal GaveUp, and starts connecting to the new session id with a fresh
// attempt counter. Buffered local operations of the old session are
// discarded.
func (self *SyncTransport) SwitchSession(sessionId string) {
	self.mutex.Lock()
	if self.session != nil {
		self.session.cancel()
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	s := &transportSession{
		ctx:           sessionCtx,
		cancel:        sessionCancel,
		sessionId:     sessionId,
		send:          make(chan []byte, self.settings.SendBufferSize),
		sentImmediate: mapset.NewSet[string](),
	}
	self.session = s
	self.state = StateDisconnected
	self.mutex.Unlock()

	go self.run(s)
}

func (self *SyncTransport) Close() {
	self.cancel()
}

func (self *SyncTransport) setState(s *transportSession, state ConnectionState) {
	self.mutex.Lock()
	if self.session != s {
		// superseded
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(s.sessionId, state)
	}
}

func (self *SyncTransport) retryDelay(attempt int) time.Duration {
	return time.Duration(attempt) * self.settings.ReconnectBaseDelay
}

func (self *SyncTransport) run(s *transportSession) {
	defer s.cancel()

	sessionUrl := fmt.Sprintf("%s/%s/%s", self.url, s.sessionId, self.authorId)

	for attempt := 0; ; {
		self.setState(s, StateConnecting)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(s.ctx, sessionUrl, nil)
		if err == nil {
			attempt = 0
			glog.V(2).Infof("[wt]connect %s session=%s\n", self.instanceId, s.sessionId)
			self.setState(s, StateConnected)
			self.runConnection(s, ws)
			// buffered but unflushed operations do not survive a disconnect.
			// immediately-sent operations are unaffected.
			self.abandonDrawingSession(s)
		} else {
			glog.Infof("[wt]dial %s session=%s error = %s\n", self.instanceId, s.sessionId, err)
		}

		select {
		case <-s.ctx.Done():
			self.setState(s, StateDisconnected)
			return
		default:
		}

		attempt += 1
		if self.settings.MaxReconnectAttempts < attempt {
			glog.Infof("[wt]gave up %s session=%s after %d attempts\n", self.instanceId, s.sessionId, attempt-1)
			self.setState(s, StateGaveUp)
			return
		}

		self.setState(s, StateReconnecting)
		select {
		case <-s.ctx.Done():
			self.setState(s, StateDisconnected)
			return
		case <-time.After(self.retryDelay(attempt)):
		}
	}
}

func (self *SyncTransport) runConnection(s *transportSession, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(s.ctx)
	defer handleCancel()

	// unblock the reader when the session is cancelled
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	// writer: drain the send queue, heartbeat while idle
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case b, ok := <-s.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					glog.Infof("[wt]%s-> error = %s\n", self.instanceId, err)
					return
				}
				glog.V(2).Infof("[wt]%s->\n", self.instanceId)
			case <-time.After(self.settings.PingInterval):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, RequireEncodeEnvelope(NewPingMessage())); err != nil {
					return
				}
				glog.V(2).Infof("[wt]ping %s->\n", self.instanceId)
			}
		}
	}()

	// freshness: pull a full snapshot on an interval, but never mid-gesture,
	// to avoid clobbering an in-progress optimistic local edit
	go func() {
		ticker := time.NewTicker(self.settings.SyncRequestInterval)
		defer ticker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-ticker.C:
				if s.drawingActive() {
					continue
				}
				self.sendToSession(s, NewSyncRequestMessage())
			}
		}
	}()

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			if handleCtx.Err() == nil {
				glog.Infof("[wt]%s<- error = %s\n", self.instanceId, err)
			}
			return
		}

		env, err := DecodeEnvelope(b)
		if err != nil {
			// malformed frames are dropped, the loop continues
			glog.Infof("[wt]%s<- drop malformed = %s\n", self.instanceId, err)
			continue
		}

		switch env.Kind {
		case MessagePing:
			self.sendToSession(s, NewPongMessage())
		case MessagePong:
			glog.V(2).Infof("[wt]pong %s<-\n", self.instanceId)
		default:
			for _, callback := range self.receiveCallbacks.Get() {
				callback(env)
			}
		}
	}
}

// fire-and-forget: no acknowledgement and no backpressure signal
func (self *SyncTransport) sendToSession(s *transportSession, env *Envelope) {
	b, err := EncodeEnvelope(env)
	if err != nil {
		glog.Infof("[wt]%s-> encode error = %s\n", self.instanceId, err)
		return
	}
	select {
	case <-s.ctx.Done():
	case s.send <- b:
	default:
		glog.Infof("[wt]drop %s-> send queue full\n", self.instanceId)
	}
}

// Send emits one envelope on the current session
func (self *SyncTransport) Send(env *Envelope) {
	self.mutex.Lock()
	s := self.session
	self.mutex.Unlock()
	if s == nil {
		return
	}
	self.sendToSession(s, env)
}

// identity of one enqueued operation inside a drawing session
func operationKey(el *Element) string {
	return fmt.Sprintf("%s/%d", el.Id, el.Timestamp)
}

// EnqueueLocal adds a local operation to the current drawing session,
// starting one if none is active. Latency-critical kinds are additionally
// sent immediately, point by point, for low-latency peer feedback. The
// session ends after QuietPeriod with no new enqueue, flushing everything
// that was not already sent as one grouped message.
func (self *SyncTransport) EnqueueLocal(el *Element) {
	self.mutex.Lock()
	s := self.session
	self.mutex.Unlock()
	if s == nil || s.ctx.Err() != nil {
		return
	}

	clone := el.Clone()
	immediate := self.immediateKinds.Contains(clone.Kind)

	s.mutex.Lock()
	s.drawing = true
	s.pending = append(s.pending, clone)
	if immediate {
		s.sentImmediate.Add(operationKey(clone))
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(self.settings.QuietPeriod, func() {
		self.flushSession(s)
	})
	s.mutex.Unlock()

	if immediate {
		self.sendToSession(s, RequireOperationMessage(clone, self.authorId))
	}
}

// FlushDrawingSession force-ends the active drawing session
func (self *SyncTransport) FlushDrawingSession() {
	self.mutex.Lock()
	s := self.session
	self.mutex.Unlock()
	if s != nil {
		self.flushSession(s)
	}
}

func (self *SyncTransport) flushSession(s *transportSession) {
	if s.ctx.Err() != nil {
		// stale timer from a superseded session
		return
	}

	s.mutex.Lock()
	unsent := make([]*Element, 0, len(s.pending))
	for _, el := range s.pending {
		if !s.sentImmediate.Contains(operationKey(el)) {
			unsent = append(unsent, el)
		}
	}
	s.pending = nil
	s.sentImmediate = mapset.NewSet[string]()
	s.drawing = false
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mutex.Unlock()

	if len(unsent) == 0 {
		return
	}
	env, err := NewBatchMessage(unsent, self.authorId, NowMillis())
	if err != nil {
		glog.Infof("[wt]%s-> batch encode error = %s\n", self.instanceId, err)
		return
	}
	self.sendToSession(s, env)
	glog.V(2).Infof("[wt]flush %s-> %d operations\n", self.instanceId, len(unsent))
}

func (self *SyncTransport) abandonDrawingSession(s *transportSession) {
	s.mutex.Lock()
	dropped := len(s.pending)
	s.pending = nil
	s.sentImmediate = mapset.NewSet[string]()
	s.drawing = false
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mutex.Unlock()

	if 0 < dropped {
		glog.Infof("[wt]abandon drawing session %s, dropped %d buffered operations\n", self.instanceId, dropped)
	}
}

func (self *transportSession) drawingActive() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.drawing
}
