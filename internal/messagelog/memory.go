package messagelog

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLog keeps the newest messages of every room in process memory.
type MemoryLog struct {
	mu        sync.RWMutex
	rooms     map[string][]Message
	retention int
	clock     *clock
}

// NewMemoryLog creates a memory log keeping at most retention messages per
// room. A non-positive retention keeps everything.
func NewMemoryLog(retention int) *MemoryLog {
	return &MemoryLog{
		rooms:     make(map[string][]Message),
		retention: retention,
		clock:     newClock(),
	}
}

// Append stores a message for room.
func (l *MemoryLog) Append(_ context.Context, room, author, text string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		Room:      room,
		Author:    author,
		Text:      text,
		CreatedAt: l.clock.next(),
	}

	msgs := append(l.rooms[room], msg)
	if l.retention > 0 && len(msgs) > l.retention {
		msgs = append([]Message(nil), msgs[len(msgs)-l.retention:]...)
	}
	l.rooms[room] = msgs
	return msg, nil
}

// Recent returns the newest limit messages of room, oldest first.
func (l *MemoryLog) Recent(_ context.Context, room string, limit int) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.rooms[room]
	limit = clampLimit(limit, len(msgs))

	out := make([]Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

// Close is a no-op.
func (l *MemoryLog) Close() error {
	return nil
}
