package whiteboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// a bare websocket sink that records every decoded envelope
type captureServer struct {
	server    *httptest.Server
	envelopes chan *Envelope
}

func newCaptureServer() *captureServer {
	cs := &captureServer{
		envelopes: make(chan *Envelope, 128),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, b, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := DecodeEnvelope(b)
			if err != nil {
				continue
			}
			cs.envelopes <- env
		}
	}))
	return cs
}

func (self *captureServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/ws"
}

func (self *captureServer) next(timeout time.Duration) *Envelope {
	select {
	case env := <-self.envelopes:
		return env
	case <-time.After(timeout):
		return nil
	}
}

func (self *captureServer) close() {
	self.server.Close()
}

func testTransportSettings() *SyncTransportSettings {
	settings := DefaultSyncTransportSettings()
	// keep the periodic traffic out of the capture
	settings.PingInterval = 1 * time.Hour
	settings.SyncRequestInterval = 1 * time.Hour
	settings.QuietPeriod = 150 * time.Millisecond
	settings.ReconnectBaseDelay = 10 * time.Millisecond
	settings.MaxReconnectAttempts = 2
	return settings
}

func waitForState(t *testing.T, transport *SyncTransport, state ConnectionState, timeout time.Duration) {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if transport.State() == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", state, transport.State())
}

func TestRetryDelaySchedule(t *testing.T) {
	transport := &SyncTransport{
		settings: DefaultSyncTransportSettings(),
	}

	// failures 1..5 at base 1000ms back off linearly
	assert.Equal(t, transport.retryDelay(1), 1000*time.Millisecond)
	assert.Equal(t, transport.retryDelay(2), 2000*time.Millisecond)
	assert.Equal(t, transport.retryDelay(3), 3000*time.Millisecond)
	assert.Equal(t, transport.retryDelay(4), 4000*time.Millisecond)
	assert.Equal(t, transport.retryDelay(5), 5000*time.Millisecond)
}

func TestBatchedFlushAfterQuietPeriod(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", testTransportSettings())
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	// three non-immediate operations in one burst
	for i := 0; i < 3; i += 1 {
		transport.EnqueueLocal(rectAt(NewElementId("alice"), "alice", NowMillis(), true))
		time.Sleep(30 * time.Millisecond)
	}

	env := cs.next(2 * time.Second)
	assert.NotEqual(t, env, nil)
	assert.Equal(t, env.Kind, MessageBatchOperations)

	batch, err := env.BatchPayload()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch.Operations), 3)
	assert.Equal(t, batch.SenderId, "alice")
	assert.NotEqual(t, batch.Timestamp, TimestampMillis(0))

	// one flush event, nothing more
	assert.Equal(t, cs.next(300*time.Millisecond), nil)
}

func TestImmediatePathSkipsFlush(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", testTransportSettings())
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	// strokes go out point by point as they are enqueued
	for i := 0; i < 3; i += 1 {
		transport.EnqueueLocal(strokeAt("s1", "alice", NowMillis()+TimestampMillis(i), Point{X: 10, Y: 10}))
	}

	for i := 0; i < 3; i += 1 {
		env := cs.next(2 * time.Second)
		assert.NotEqual(t, env, nil)
		assert.Equal(t, env.Kind, MessageOperation)
		assert.Equal(t, env.SenderId, "alice")
	}

	// the flush has zero already-sent operations, so no batch follows
	assert.Equal(t, cs.next(400*time.Millisecond), nil)
}

func TestMixedBurstFlushesOnlyUnsent(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", testTransportSettings())
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	transport.EnqueueLocal(strokeAt("s1", "alice", NowMillis(), Point{X: 10, Y: 10}))
	transport.EnqueueLocal(rectAt("r1", "alice", NowMillis(), true))

	env := cs.next(2 * time.Second)
	assert.NotEqual(t, env, nil)
	assert.Equal(t, env.Kind, MessageOperation)

	env = cs.next(2 * time.Second)
	assert.NotEqual(t, env, nil)
	assert.Equal(t, env.Kind, MessageBatchOperations)
	batch, err := env.BatchPayload()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch.Operations), 1)
	assert.Equal(t, batch.Operations[0].Id, "r1")
}

func TestForceFlush(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", testTransportSettings())
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	transport.EnqueueLocal(rectAt("r1", "alice", NowMillis(), true))
	transport.FlushDrawingSession()

	env := cs.next(2 * time.Second)
	assert.NotEqual(t, env, nil)
	assert.Equal(t, env.Kind, MessageBatchOperations)
}

func TestGiveUpThenSwitchSessionRestarts(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := make(chan ConnectionState, 128)

	// nothing listens here
	transport := NewSyncTransport(cancelCtx, "ws://127.0.0.1:1/ws", "room-1", "alice", testTransportSettings())
	defer transport.Close()
	transport.AddStateCallback(func(sessionId string, state ConnectionState) {
		states <- state
	})

	waitForState(t, transport, StateGaveUp, 5*time.Second)

	// terminal until an explicit session switch
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, transport.State(), StateGaveUp)

	// drain, then switch
	for 0 < len(states) {
		<-states
	}
	transport.SwitchSession("room-2")
	assert.Equal(t, transport.SessionId(), "room-2")

	end := time.Now().Add(2 * time.Second)
	sawConnecting := false
	for !sawConnecting && time.Now().Before(end) {
		select {
		case state := <-states:
			if state == StateConnecting {
				sawConnecting = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.Equal(t, sawConnecting, true)
}

func TestStaleFlushTimerIsNoOpAfterSwitch(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", testTransportSettings())
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	transport.EnqueueLocal(rectAt("r1", "alice", NowMillis(), true))
	// supersede the session before the quiet period elapses
	transport.SwitchSession("room-2")

	// the buffered operation is discarded with the old session
	end := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(end) {
		env := cs.next(100 * time.Millisecond)
		if env == nil {
			continue
		}
		assert.NotEqual(t, env.Kind, MessageBatchOperations)
	}
}

func TestHeartbeat(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	settings := testTransportSettings()
	settings.PingInterval = 50 * time.Millisecond

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", settings)
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	env := cs.next(2 * time.Second)
	assert.NotEqual(t, env, nil)
	assert.Equal(t, env.Kind, MessagePing)
}

func TestSyncRequestSuppressedWhileDrawing(t *testing.T) {
	cs := newCaptureServer()
	defer cs.close()

	settings := testTransportSettings()
	settings.SyncRequestInterval = 60 * time.Millisecond
	settings.QuietPeriod = 10 * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewSyncTransport(cancelCtx, cs.url(), "room-1", "alice", settings)
	defer transport.Close()
	waitForState(t, transport, StateConnected, 2*time.Second)

	// no drawing session: the pull fires
	env := cs.next(2 * time.Second)
	assert.NotEqual(t, env, nil)
	assert.Equal(t, env.Kind, MessageSyncRequest)

	// an active drawing session suppresses it
	transport.EnqueueLocal(rectAt("r1", "alice", NowMillis(), true))
	end := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(end) {
		env := cs.next(50 * time.Millisecond)
		if env != nil {
			assert.NotEqual(t, env.Kind, MessageSyncRequest)
		}
	}
}
