// Package dispatch fans events out to live connections: to one connection,
// to every connection in a room, or to a room minus one connection.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/rs/zerolog"
)

// Conn is a live client link the hub can address by id.
type Conn interface {
	ID() string
	// Deliver queues a frame without blocking and reports whether it was
	// accepted.
	Deliver(frame []byte) bool
	Close() error
}

// Runner is implemented by connections that own goroutines (read and write
// pumps). The hub runs and tracks them so Shutdown can wait for them.
type Runner interface {
	Run()
}

// MemberSource resolves a room to the connection ids currently in it.
type MemberSource interface {
	ConnectionsOf(room, exceptConnID string) []string
}

// Hub owns the table of live connections and delivers encoded events to
// them. Room membership is resolved through the MemberSource at emit time.
type Hub struct {
	conns   map[string]Conn
	members MemberSource
	logger  zerolog.Logger
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	closed  bool
}

// NewHub creates a hub resolving rooms through members.
func NewHub(members MemberSource, logger zerolog.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]Conn),
		members: members,
		logger:  logger.With().Str("component", "dispatch").Logger(),
	}
}

// Register adds conn to the table and, if it is a Runner, starts it. It
// returns false once the hub is shutting down.
func (h *Hub) Register(conn Conn) bool {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return false
	}
	h.conns[conn.ID()] = conn
	count := len(h.conns)
	if r, ok := conn.(Runner); ok {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			r.Run()
		}()
	}
	h.mutex.Unlock()

	h.logger.Info().Str("conn", conn.ID()).Int("total", count).Msg("Connection registered")
	return true
}

// Unregister removes the connection and closes it. Unknown ids are ignored.
func (h *Hub) Unregister(connID string) {
	h.mutex.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	count := len(h.conns)
	h.mutex.Unlock()

	if !ok {
		return
	}
	h.closeConn(conn)
	h.logger.Info().Str("conn", connID).Int("total", count).Msg("Connection unregistered")
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.conns)
}

// EmitTo delivers an event to one connection. A connection that is gone is
// skipped silently.
func (h *Hub) EmitTo(connID, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}
	if conn := h.lookup(connID); conn != nil {
		h.removeFailedConns(h.sendToConns([]Conn{conn}, frame))
	}
}

// EmitToRoom delivers an event to every connection in room.
func (h *Hub) EmitToRoom(room, event string, payload any) {
	h.EmitToRoomExcept(room, "", event, payload)
}

// EmitToRoomExcept delivers an event to every connection in room except
// exceptConnID. Membership is resolved now, not when the event was built.
func (h *Hub) EmitToRoomExcept(room, exceptConnID, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}

	ids := h.members.ConnectionsOf(room, exceptConnID)
	targets := h.getConnSnapshot(ids)
	h.logger.Debug().Str("room", room).Str("event", event).Int("targets", len(targets)).Msg("Broadcasting event")

	h.removeFailedConns(h.sendToConns(targets, frame))
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Dropping unencodable event")
		return nil, false
	}
	return frame, true
}

func (h *Hub) lookup(connID string) Conn {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.conns[connID]
}

// getConnSnapshot resolves ids to the connections still registered.
func (h *Hub) getConnSnapshot(ids []string) []Conn {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	conns := make([]Conn, 0, len(ids))
	for _, id := range ids {
		if conn, ok := h.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// sendToConns delivers frame to every conn and returns those whose buffer
// was full.
func (h *Hub) sendToConns(conns []Conn, frame []byte) []Conn {
	var failed []Conn
	for _, conn := range conns {
		if !conn.Deliver(frame) {
			failed = append(failed, conn)
		}
	}
	return failed
}

// removeFailedConns evicts connections that could not keep up. Closing them
// ends their pumps, which runs the normal disconnect path.
func (h *Hub) removeFailedConns(failed []Conn) {
	if len(failed) == 0 {
		return
	}

	var toClose []Conn
	h.mutex.Lock()
	for _, conn := range failed {
		if current, ok := h.conns[conn.ID()]; ok && current == conn {
			delete(h.conns, conn.ID())
			toClose = append(toClose, conn)
		}
	}
	h.mutex.Unlock()

	for _, conn := range toClose {
		h.logger.Warn().Str("conn", conn.ID()).Msg("Connection removed due to full send buffer")
		h.closeConn(conn)
	}
}

func (h *Hub) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		h.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("Error closing connection")
	}
}

// shutdownConns closes every registered connection.
func (h *Hub) shutdownConns() int {
	h.mutex.Lock()
	h.closed = true
	conns := make([]Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mutex.Unlock()

	for _, conn := range conns {
		h.closeConn(conn)
	}
	return len(conns)
}

// Shutdown refuses new registrations, closes every connection and waits for
// their goroutines to finish or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("Initiating hub shutdown...")

	closed := h.shutdownConns()
	h.logger.Info().Int("closed", closed).Msg("Closed client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
