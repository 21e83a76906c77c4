package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryMembersOfDistinctJoins(t *testing.T) {
	r := NewRegistry()
	d := NewDirectory(r)

	names := []string{"bo", "sam", "ana", "kit"}
	for i, name := range names {
		_, err := r.Upsert(string(rune('a'+i)), name, "lobby")
		require.NoError(t, err)
	}
	_, err := r.Upsert("z", "other", "elsewhere")
	require.NoError(t, err)

	assert.ElementsMatch(t, names, d.MembersOf("lobby", ""))
	assert.ElementsMatch(t, []string{"other"}, d.MembersOf("elsewhere", ""))
}

func TestDirectoryExcludesConnection(t *testing.T) {
	r := NewRegistry()
	d := NewDirectory(r)

	_, err := r.Upsert("c1", "bo", "lobby")
	require.NoError(t, err)
	_, err = r.Upsert("c2", "sam", "lobby")
	require.NoError(t, err)

	assert.Equal(t, []string{"bo"}, d.MembersOf("lobby", "c2"))
	assert.Equal(t, []string{"c2"}, d.ConnectionsOf("lobby", "c1"))
}

func TestDirectoryReflectsRoomSwitch(t *testing.T) {
	r := NewRegistry()
	d := NewDirectory(r)

	_, err := r.Upsert("c1", "A", "R1")
	require.NoError(t, err)
	_, err = r.Upsert("c9", "A", "R2")
	require.NoError(t, err)

	b, ok := r.FindByName("A")
	require.True(t, ok)
	assert.Equal(t, "R2", b.Room)
	assert.NotContains(t, d.MembersOf("R1", ""), "A")
	assert.Contains(t, d.MembersOf("R2", ""), "A")
}

func TestDirectoryEmptyRoom(t *testing.T) {
	r := NewRegistry()
	d := NewDirectory(r)

	_, err := r.Upsert("c1", "bo", "lobby")
	require.NoError(t, err)
	r.Remove("c1")

	assert.Empty(t, d.MembersOf("lobby", ""))
	assert.NotNil(t, d.MembersOf("lobby", ""), "roster must encode as an empty list")
	assert.Empty(t, d.ConnectionsOf("lobby", ""))
	assert.Empty(t, d.MembersOf("", ""))
}

func TestDirectoryRooms(t *testing.T) {
	r := NewRegistry()
	d := NewDirectory(r)

	_, _ = r.Upsert("c1", "bo", "lobby")
	_, _ = r.Upsert("c2", "sam", "lobby")
	_, _ = r.Upsert("c3", "kit", "dev")
	_, _ = r.Upsert("c4", "lurker", "")

	assert.Equal(t, []RoomSummary{
		{Name: "dev", Members: 1},
		{Name: "lobby", Members: 2},
	}, d.Rooms())
}
