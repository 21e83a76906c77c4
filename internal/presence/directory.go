package presence

import "sort"

// RoomSummary describes one non-empty room.
type RoomSummary struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Directory answers room membership questions by scanning the Registry at
// call time. It holds no state of its own.
type Directory struct {
	registry *Registry
}

// NewDirectory returns a Directory backed by registry.
func NewDirectory(registry *Registry) *Directory {
	return &Directory{registry: registry}
}

// MembersOf returns the display names bound to room, skipping the binding
// owned by exceptConnID when it is non-empty.
func (d *Directory) MembersOf(room, exceptConnID string) []string {
	names := []string{}
	for _, b := range d.inRoom(room, exceptConnID) {
		names = append(names, b.Name)
	}
	return names
}

// ConnectionsOf returns the connection ids bound to room, skipping
// exceptConnID when it is non-empty.
func (d *Directory) ConnectionsOf(room, exceptConnID string) []string {
	var ids []string
	for _, b := range d.inRoom(room, exceptConnID) {
		ids = append(ids, b.ConnID)
	}
	return ids
}

// Rooms lists every room with at least one member, sorted by name.
func (d *Directory) Rooms() []RoomSummary {
	counts := make(map[string]int)
	for _, b := range d.registry.Snapshot() {
		if b.Room != "" {
			counts[b.Room]++
		}
	}

	rooms := make([]RoomSummary, 0, len(counts))
	for name, n := range counts {
		rooms = append(rooms, RoomSummary{Name: name, Members: n})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

func (d *Directory) inRoom(room, exceptConnID string) []Binding {
	if room == "" {
		return nil
	}
	var out []Binding
	for _, b := range d.registry.Snapshot() {
		if b.Room != room {
			continue
		}
		if exceptConnID != "" && b.ConnID == exceptConnID {
			continue
		}
		out = append(out, b)
	}
	return out
}
