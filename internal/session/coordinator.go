// Package session runs the chat protocol: it validates inbound requests,
// mutates presence, reads and writes the message log and emits the
// resulting events in a fixed order.
//
// Handlers that touch a room hold that room's lock from the first registry
// read to the last emit, so a roster snapshot can never be taken between
// two halves of another handler's update. The registry's own lock is only
// held inside registry calls; message log I/O never runs under it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/roomchat/internal/messagelog"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidName rejects a join whose display name is empty, too long or reserved.
	ErrInvalidName = errors.New("invalid display name")
	// ErrInvalidRoom rejects a join whose room name is empty or too long.
	ErrInvalidRoom = errors.New("invalid room name")
)

// DefaultHistoryLimit is how many messages a joining connection receives.
const DefaultHistoryLimit = 50

const (
	maxNameLength = 32
	maxRoomLength = 64
)

// Dispatcher is the fan-out the coordinator emits through.
type Dispatcher interface {
	EmitTo(connID, event string, payload any)
	EmitToRoom(room, event string, payload any)
	EmitToRoomExcept(room, exceptConnID, event string, payload any)
}

// Coordinator handles join, sendMessage, privateMessage, typing and
// disconnect for every connection.
type Coordinator struct {
	registry     *presence.Registry
	directory    *presence.Directory
	dispatcher   Dispatcher
	log          messagelog.Log
	locks        *roomLocks
	historyLimit int
	logger       zerolog.Logger
	now          func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHistoryLimit sets how many messages are replayed on join.
func WithHistoryLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithClock replaces the clock used to stamp notices.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New wires a coordinator.
func New(registry *presence.Registry, directory *presence.Directory, dispatcher Dispatcher,
	log messagelog.Log, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:     registry,
		directory:    directory,
		dispatcher:   dispatcher,
		log:          log,
		locks:        newRoomLocks(),
		historyLimit: DefaultHistoryLimit,
		logger:       logger.With().Str("component", "session").Logger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join binds name to connID in room. In order, the joining connection gets
// a welcome notice and the room history, the rest of the room gets a joined
// notice, and the whole room gets the new roster. A previous room the name
// or connection is leaving gets a left notice and its roster afterwards.
//
// Validation and history failures abort before anything is emitted.
func (c *Coordinator) Join(ctx context.Context, connID, name, room string) error {
	name = strings.TrimSpace(name)
	room = strings.TrimSpace(room)
	if err := validateName(name); err != nil {
		return err
	}
	if err := validateRoom(room); err != nil {
		return err
	}

	unlock, displaced := c.lockForJoin(connID, name, room)
	defer unlock()

	history, err := c.log.Recent(ctx, room, c.historyLimit)
	if err != nil {
		return fmt.Errorf("join %q: failed to load history: %w", room, err)
	}

	if _, err := c.registry.Upsert(connID, name, room); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	}

	now := c.now()
	c.dispatcher.EmitTo(connID, protocol.EventMessage,
		protocol.Notice(fmt.Sprintf("Welcome to the %s room!", room), now))
	c.dispatcher.EmitTo(connID, protocol.EventPreviousMessages, protocol.FromStoredList(history))
	c.dispatcher.EmitToRoomExcept(room, connID, protocol.EventMessage,
		protocol.Notice(fmt.Sprintf("%s has joined!", name), now))
	c.dispatcher.EmitToRoom(room, protocol.EventUsers, c.directory.MembersOf(room, ""))

	for _, prev := range displaced {
		if prev.Room == "" || prev.Room == room {
			continue
		}
		c.announceDeparture(prev, "")
	}

	c.logger.Info().Str("conn", connID).Str("name", name).Str("room", room).
		Int("history", len(history)).Msg("User joined room")
	return nil
}

// SendMessage persists text in the sender's room and broadcasts the stored
// record to the whole room, sender included. Senders without a room and
// blank text are ignored. A log failure drops the message unbroadcast.
func (c *Coordinator) SendMessage(ctx context.Context, connID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	unlock, b, ok := c.lockBinding(connID)
	defer unlock()
	if !ok || b.Room == "" {
		c.logger.Debug().Str("conn", connID).Msg("Dropping message from connection without a room")
		return nil
	}

	msg, err := c.log.Append(ctx, b.Room, b.Name, text)
	if err != nil {
		return fmt.Errorf("send to %q: failed to persist message: %w", b.Room, err)
	}
	c.dispatcher.EmitToRoom(b.Room, protocol.EventMessage, protocol.FromStored(msg))
	return nil
}

// PrivateMessage delivers text to the connection currently bound to
// recipient. Unknown senders or recipients make it a no-op. Private
// messages are neither persisted nor broadcast.
func (c *Coordinator) PrivateMessage(_ context.Context, connID, recipient, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sender, ok := c.registry.Find(connID)
	if !ok {
		return nil
	}
	target, ok := c.registry.FindByName(strings.TrimSpace(recipient))
	if !ok {
		c.logger.Debug().Str("from", sender.Name).Str("to", recipient).Msg("Dropping private message to unknown recipient")
		return nil
	}

	c.dispatcher.EmitTo(target.ConnID, protocol.EventPrivateMessage, protocol.PrivateMessage{
		Sender:    sender.Name,
		Text:      text,
		Timestamp: c.now().UnixMilli(),
	})
	return nil
}

// Typing tells the rest of the sender's room that the sender is typing.
func (c *Coordinator) Typing(_ context.Context, connID string) error {
	unlock, b, ok := c.lockBinding(connID)
	defer unlock()
	if !ok || b.Room == "" {
		return nil
	}

	c.dispatcher.EmitToRoomExcept(b.Room, connID, protocol.EventTyping, protocol.TypingNotice{Name: b.Name})
	return nil
}

// Disconnect runs when the transport link is gone. The rest of the room
// gets a left notice and the roster without the departing connection, and
// only then is the binding removed.
func (c *Coordinator) Disconnect(_ context.Context, connID string) {
	unlock, b, ok := c.lockBinding(connID)
	defer unlock()

	if ok && b.Room != "" {
		c.announceDeparture(b, connID)
		c.logger.Info().Str("conn", connID).Str("name", b.Name).Str("room", b.Room).Msg("User left room")
	}
	c.registry.Remove(connID)
}

// announceDeparture tells b's room that b.Name left and sends its roster,
// skipping exceptConnID. Callers hold the room lock.
func (c *Coordinator) announceDeparture(b presence.Binding, exceptConnID string) {
	c.dispatcher.EmitToRoomExcept(b.Room, exceptConnID, protocol.EventMessage,
		protocol.Notice(fmt.Sprintf("%s has left", b.Name), c.now()))
	c.dispatcher.EmitToRoomExcept(b.Room, exceptConnID, protocol.EventUsers,
		c.directory.MembersOf(b.Room, exceptConnID))
}

// lockBinding locks the room connID is bound to and returns the binding as
// seen under that lock. It retries if the binding moved while locking.
func (c *Coordinator) lockBinding(connID string) (func(), presence.Binding, bool) {
	for {
		b, ok := c.registry.Find(connID)
		unlock := c.locks.lock(b.Room)

		again, stillOK := c.registry.Find(connID)
		if ok == stillOK && b.Room == again.Room {
			return unlock, again, stillOK
		}
		unlock()
	}
}

// lockForJoin locks the target room plus every room a binding displaced by
// this join currently sits in.
func (c *Coordinator) lockForJoin(connID, name, room string) (func(), []presence.Binding) {
	for {
		prior := c.priorBindings(connID, name)
		rooms := roomsOf(prior, room)
		unlock := c.locks.lock(rooms...)

		again := c.priorBindings(connID, name)
		if sameRooms(rooms, roomsOf(again, room)) {
			return unlock, again
		}
		unlock()
	}
}

// priorBindings returns the binding connID holds and the binding name is
// held under, without duplicates.
func (c *Coordinator) priorBindings(connID, name string) []presence.Binding {
	var out []presence.Binding
	if b, ok := c.registry.Find(connID); ok {
		out = append(out, b)
	}
	if b, ok := c.registry.FindByName(name); ok && b.ConnID != connID {
		out = append(out, b)
	}
	return out
}

func roomsOf(bindings []presence.Binding, extra string) []string {
	rooms := []string{extra}
	for _, b := range bindings {
		rooms = append(rooms, b.Room)
	}
	return rooms
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case utf8.RuneCountInString(name) > maxNameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	case strings.EqualFold(name, protocol.AdminAuthor):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

func validateRoom(room string) error {
	switch {
	case room == "":
		return fmt.Errorf("%w: empty", ErrInvalidRoom)
	case utf8.RuneCountInString(room) > maxRoomLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidRoom, maxRoomLength)
	}
	return nil
}
