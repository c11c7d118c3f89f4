package relay

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"

	"github.com/WatchTower-Liu/shared-whiteboard/whiteboard"
)

// Relay is the in-memory room relay the sync transport connects to. It keeps
// the last known full state per room and answers sync_request with it, and
// fans every accepted message out to the other clients of the room.
//
// Conflict handling here is the plain last-write-wins of the upstream relay:
// strictly newer timestamp replaces. The windowed, kind-aware resolution is
// the replicas' job, not the relay's. Persistence and room lifecycle
// endpoints are out of scope.

type RelaySettings struct {
	WriteTimeout   time.Duration
	SendBufferSize int
	ReadLimitBytes int64
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout:   5 * time.Second,
		SendBufferSize: 64,
		ReadLimitBytes: 4 * 1024 * 1024,
	}
}

type Relay struct {
	settings *RelaySettings
	upgrader websocket.Upgrader

	mutex sync.Mutex
	rooms map[string]*room
}

type room struct {
	elements map[string]*whiteboard.Element
	cursors  map[string]*whiteboard.Cursor
	clients  map[string]*client
}

type client struct {
	clientId string
	roomId   string
	send     chan []byte
}

func NewRelayWithDefaults() *Relay {
	return NewRelay(DefaultRelaySettings())
}

func NewRelay(settings *RelaySettings) *Relay {
	return &Relay{
		settings: settings,
		upgrader: websocket.Upgrader{
			// the upstream relay allowed any origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*room{},
	}
}

// routes `<prefix>/{roomId}/{clientId}`
func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomId, clientId, err := parseWsPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	self.handleClient(ws, roomId, clientId)
}

func parseWsPath(path string) (string, string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// the room and client ids are the last two segments
	if len(parts) < 2 {
		return "", "", fmt.Errorf("expected .../{roomId}/{clientId}, got %s", path)
	}
	roomId := parts[len(parts)-2]
	clientId := parts[len(parts)-1]
	if roomId == "" || clientId == "" {
		return "", "", fmt.Errorf("empty room or client id in %s", path)
	}
	return roomId, clientId, nil
}

func (self *Relay) handleClient(ws *websocket.Conn, roomId string, clientId string) {
	defer ws.Close()
	ws.SetReadLimit(self.settings.ReadLimitBytes)

	c := &client{
		clientId: clientId,
		roomId:   roomId,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}

	self.connect(c)
	defer self.disconnect(c)

	glog.V(1).Infof("[relay]join %s room=%s\n", clientId, roomId)

	go func() {
		for b := range c.send {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.V(2).Infof("[relay]%s-> error = %s\n", clientId, err)
				ws.Close()
				return
			}
		}
		ws.Close()
	}()

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[relay]%s<- closed = %s\n", clientId, err)
			return
		}

		env, err := whiteboard.DecodeEnvelope(b)
		if err != nil {
			// drop and keep serving the client
			glog.Infof("[relay]%s<- drop malformed = %s\n", clientId, err)
			continue
		}

		switch env.Kind {
		case whiteboard.MessageOperation:
			self.handleOperation(c, env)
		case whiteboard.MessageBatchOperations:
			self.handleBatch(c, env)
		case whiteboard.MessageCursor:
			self.handleCursor(c, env)
		case whiteboard.MessageDelete:
			self.handleDelete(c, env)
		case whiteboard.MessageSyncRequest:
			self.sendSync(c)
		case whiteboard.MessagePing:
			self.sendToClient(c, whiteboard.RequireEncodeEnvelope(whiteboard.NewPongMessage()))
		default:
			glog.V(2).Infof("[relay]%s<- ignore %s\n", clientId, env.Kind)
		}
	}
}

// registers the client, sends it the room's current state, and announces it
func (self *Relay) connect(c *client) {
	self.mutex.Lock()
	rm := self.rooms[c.roomId]
	if rm == nil {
		rm = &room{
			elements: map[string]*whiteboard.Element{},
			cursors:  map[string]*whiteboard.Cursor{},
			clients:  map[string]*client{},
		}
		self.rooms[c.roomId] = rm
	}
	if old := rm.clients[c.clientId]; old != nil && old != c {
		// a reconnect with the same client id supersedes the old socket
		close(old.send)
	}
	rm.clients[c.clientId] = c
	syncBytes := self.syncMessageLocked(rm)
	self.mutex.Unlock()

	self.sendToClient(c, syncBytes)
	self.broadcast(c.roomId, whiteboard.RequireEncodeEnvelope(
		whiteboard.NewPresenceMessage(whiteboard.MessageUserJoined, c.clientId),
	), c.clientId)
}

func (self *Relay) disconnect(c *client) {
	self.mutex.Lock()
	rm := self.rooms[c.roomId]
	if rm == nil || rm.clients[c.clientId] != c {
		self.mutex.Unlock()
		return
	}
	delete(rm.clients, c.clientId)
	delete(rm.cursors, c.clientId)
	// room state is kept so late joiners still get the board
	close(c.send)
	self.mutex.Unlock()

	glog.V(1).Infof("[relay]leave %s room=%s\n", c.clientId, c.roomId)

	self.broadcast(c.roomId, whiteboard.RequireEncodeEnvelope(
		whiteboard.NewPresenceMessage(whiteboard.MessageUserLeft, c.clientId),
	), c.clientId)
}

// must hold the mutex
func (self *Relay) syncMessageLocked(rm *room) []byte {
	state := make(map[string]*whiteboard.Element, len(rm.elements))
	for id, el := range rm.elements {
		state[id] = el.Clone()
	}
	cursors := make(map[string]*whiteboard.Cursor, len(rm.cursors))
	maps.Copy(cursors, rm.cursors)

	env, err := whiteboard.NewSyncMessage(state, cursors)
	if err != nil {
		panic(err)
	}
	return whiteboard.RequireEncodeEnvelope(env)
}

func (self *Relay) sendSync(c *client) {
	self.mutex.Lock()
	rm := self.rooms[c.roomId]
	if rm == nil {
		self.mutex.Unlock()
		return
	}
	syncBytes := self.syncMessageLocked(rm)
	self.mutex.Unlock()

	self.sendToClient(c, syncBytes)
}

func (self *Relay) handleOperation(c *client, env *whiteboard.Envelope) {
	el, err := env.OperationElement()
	if err != nil {
		glog.Infof("[relay]%s<- drop operation = %s\n", c.clientId, err)
		return
	}
	if !self.applyOperation(c.roomId, el) {
		return
	}

	out, err := whiteboard.NewOperationMessage(el, c.clientId)
	if err != nil {
		glog.Infof("[relay]%s operation encode error = %s\n", c.clientId, err)
		return
	}
	self.broadcast(c.roomId, whiteboard.RequireEncodeEnvelope(out), c.clientId)
}

func (self *Relay) handleBatch(c *client, env *whiteboard.Envelope) {
	batch, err := env.BatchPayload()
	if err != nil {
		glog.Infof("[relay]%s<- drop batch = %s\n", c.clientId, err)
		return
	}

	accepted := make([]*whiteboard.Element, 0, len(batch.Operations))
	for _, el := range batch.Operations {
		if self.applyOperation(c.roomId, el) {
			accepted = append(accepted, el)
		}
	}
	if len(accepted) == 0 {
		return
	}

	out, err := whiteboard.NewBatchMessage(accepted, c.clientId, batch.Timestamp)
	if err != nil {
		glog.Infof("[relay]%s batch encode error = %s\n", c.clientId, err)
		return
	}
	self.broadcast(c.roomId, whiteboard.RequireEncodeEnvelope(out), c.clientId)
}

// plain last-write-wins, exactly as the upstream relay: strictly newer
// timestamp replaces, anything else is dropped
func (self *Relay) applyOperation(roomId string, el *whiteboard.Element) bool {
	if el == nil || el.Id == "" {
		return false
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	rm := self.rooms[roomId]
	if rm == nil {
		return false
	}
	if existing := rm.elements[el.Id]; existing != nil && el.Timestamp <= existing.Timestamp {
		return false
	}
	if el.Deleted {
		delete(rm.elements, el.Id)
	} else {
		rm.elements[el.Id] = el.Clone()
	}
	return true
}

func (self *Relay) handleCursor(c *client, env *whiteboard.Envelope) {
	cursor, err := env.CursorPayload()
	if err != nil {
		glog.Infof("[relay]%s<- drop cursor = %s\n", c.clientId, err)
		return
	}

	self.mutex.Lock()
	if rm := self.rooms[c.roomId]; rm != nil {
		rm.cursors[c.clientId] = cursor
	}
	self.mutex.Unlock()

	out, err := whiteboard.NewCursorMessage(cursor, c.clientId)
	if err != nil {
		return
	}
	self.broadcast(c.roomId, whiteboard.RequireEncodeEnvelope(out), c.clientId)
}

// deletes are applied unconditionally, with no timestamp comparison
func (self *Relay) handleDelete(c *client, env *whiteboard.Envelope) {
	if env.ElementId == "" {
		return
	}

	self.mutex.Lock()
	if rm := self.rooms[c.roomId]; rm != nil {
		delete(rm.elements, env.ElementId)
	}
	self.mutex.Unlock()

	self.broadcast(c.roomId, whiteboard.RequireEncodeEnvelope(
		whiteboard.NewDeleteMessage(env.ElementId, c.clientId),
	), c.clientId)
}

// fans a frame out to every client of the room except the sender
func (self *Relay) broadcast(roomId string, b []byte, exceptClientId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	rm := self.rooms[roomId]
	if rm == nil {
		return
	}
	for clientId, c := range rm.clients {
		if clientId == exceptClientId {
			continue
		}
		self.sendToClientLocked(c, b)
	}
}

func (self *Relay) sendToClient(c *client, b []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sendToClientLocked(c, b)
}

// must hold the mutex, which guarantees the send channel is not yet closed
func (self *Relay) sendToClientLocked(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		glog.Infof("[relay]drop %s-> send queue full\n", c.clientId)
	}
}

// RoomState returns a copy of the room's current element map, for tests and
// inspection tooling
func (self *Relay) RoomState(roomId string) map[string]*whiteboard.Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	rm := self.rooms[roomId]
	if rm == nil {
		return map[string]*whiteboard.Element{}
	}
	state := make(map[string]*whiteboard.Element, len(rm.elements))
	for id, el := range rm.elements {
		state[id] = el.Clone()
	}
	return state
}

// RoomClients returns the connected client ids of a room
func (self *Relay) RoomClients(roomId string) []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	rm := self.rooms[roomId]
	if rm == nil {
		return nil
	}
	return maps.Keys(rm.clients)
}
