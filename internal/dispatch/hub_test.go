package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id       string
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, capacity: 100}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.frames) >= c.capacity {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env.Event)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// staticRooms maps room -> connection ids.
type staticRooms map[string][]string

func (s staticRooms) ConnectionsOf(room, except string) []string {
	var out []string
	for _, id := range s[room] {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func newTestHub(rooms staticRooms, conns ...*fakeConn) *Hub {
	h := NewHub(rooms, zerolog.Nop())
	for _, c := range conns {
		h.Register(c)
	}
	return h
}

func TestHubEmitTo(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	h := newTestHub(staticRooms{}, a, b)

	h.EmitTo("a", protocol.EventMessage, protocol.ChatMessage{Author: "Admin", Text: "hi"})

	assert.Equal(t, []string{protocol.EventMessage}, a.events())
	assert.Empty(t, b.events())
}

func TestHubEmitToUnknownIsSilent(t *testing.T) {
	h := newTestHub(staticRooms{})
	assert.NotPanics(t, func() {
		h.EmitTo("ghost", protocol.EventMessage, protocol.ChatMessage{})
	})
}

func TestHubEmitToRoomExcept(t *testing.T) {
	a, b, c, outsider := newFakeConn("a"), newFakeConn("b"), newFakeConn("c"), newFakeConn("x")
	rooms := staticRooms{"lobby": {"a", "b", "c"}, "dev": {"x"}}
	h := newTestHub(rooms, a, b, c, outsider)

	h.EmitToRoomExcept("lobby", "a", protocol.EventTyping, protocol.TypingNotice{Name: "bo"})

	assert.Empty(t, a.events())
	assert.Equal(t, []string{protocol.EventTyping}, b.events())
	assert.Equal(t, []string{protocol.EventTyping}, c.events())
	assert.Empty(t, outsider.events())

	h.EmitToRoom("lobby", protocol.EventUsers, []string{"bo"})
	assert.Equal(t, []string{protocol.EventUsers}, a.events())
}

func TestHubEmitToEmptyRoom(t *testing.T) {
	h := newTestHub(staticRooms{})
	assert.NotPanics(t, func() {
		h.EmitToRoom("nowhere", protocol.EventUsers, []string{})
	})
}

func TestHubPreservesEmissionOrder(t *testing.T) {
	a := newFakeConn("a")
	h := newTestHub(staticRooms{"lobby": {"a"}}, a)

	h.EmitTo("a", protocol.EventMessage, protocol.ChatMessage{})
	h.EmitTo("a", protocol.EventPreviousMessages, []protocol.ChatMessage{})
	h.EmitToRoom("lobby", protocol.EventUsers, []string{"bo"})

	assert.Equal(t, []string{
		protocol.EventMessage,
		protocol.EventPreviousMessages,
		protocol.EventUsers,
	}, a.events())
}

func TestHubEvictsSlowConnection(t *testing.T) {
	slow := newFakeConn("slow")
	slow.capacity = 1
	fast := newFakeConn("fast")
	h := newTestHub(staticRooms{"lobby": {"slow", "fast"}}, slow, fast)

	h.EmitToRoom("lobby", protocol.EventUsers, []string{})
	h.EmitToRoom("lobby", protocol.EventUsers, []string{})

	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
	assert.Equal(t, 1, h.Len())
	assert.Len(t, fast.events(), 2)
}

func TestHubUnregisterClosesConnection(t *testing.T) {
	a := newFakeConn("a")
	h := newTestHub(staticRooms{}, a)

	h.Unregister("a")
	assert.True(t, a.isClosed())
	assert.Equal(t, 0, h.Len())

	assert.NotPanics(t, func() { h.Unregister("a") })
}

type runnerConn struct {
	*fakeConn
	stop chan struct{}
}

func (r *runnerConn) Run() { <-r.stop }

func (r *runnerConn) Close() error {
	_ = r.fakeConn.Close()
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	return nil
}

func TestHubShutdownWaitsForRunners(t *testing.T) {
	h := NewHub(staticRooms{}, zerolog.Nop())
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, h.Register(&runnerConn{fakeConn: newFakeConn(id), stop: make(chan struct{})}))
	}

	require.NoError(t, h.Shutdown(time.Second))
	assert.False(t, h.Register(newFakeConn("late")), "registration must be refused after shutdown")
}

type stuckConn struct{ *fakeConn }

func (stuckConn) Run() { select {} }

func TestHubShutdownTimeout(t *testing.T) {
	h := NewHub(staticRooms{}, zerolog.Nop())
	h.Register(stuckConn{newFakeConn("stuck")})

	err := h.Shutdown(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubConcurrentEmits(t *testing.T) {
	conns := []*fakeConn{newFakeConn("a"), newFakeConn("b"), newFakeConn("c")}
	for _, c := range conns {
		c.capacity = 1000
	}
	h := newTestHub(staticRooms{"lobby": {"a", "b", "c"}}, conns...)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h.EmitToRoom("lobby", protocol.EventMessage, protocol.ChatMessage{})
			}
		}()
	}
	wg.Wait()

	for _, c := range conns {
		assert.Len(t, c.events(), 100)
	}
}
