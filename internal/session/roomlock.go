package session

import (
	"sort"
	"sync"
)

// roomLocks serializes handlers per room. Entries are reference counted so
// rooms that empty out do not leak mutexes.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// lock acquires every named room in sorted order and returns the matching
// unlock function. Empty and duplicate names are ignored.
func (l *roomLocks) lock(rooms ...string) func() {
	names := uniqueRooms(rooms)

	held := make([]*roomLock, 0, len(names))
	for _, name := range names {
		rl := l.acquire(name)
		rl.Lock()
		held = append(held, rl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			l.release(names[i])
		}
	}
}

func (l *roomLocks) acquire(name string) *roomLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.locks[name]
	if !ok {
		rl = &roomLock{}
		l.locks[name] = rl
	}
	rl.refs++
	return rl
}

func (l *roomLocks) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl := l.locks[name]
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, name)
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func uniqueRooms(rooms []string) []string {
	seen := make(map[string]struct{}, len(rooms))
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func sameRooms(a, b []string) bool {
	a, b = uniqueRooms(a), uniqueRooms(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
