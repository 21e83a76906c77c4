package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUpsertAndFind(t *testing.T) {
	r := NewRegistry()

	b, err := r.Upsert("c1", "bo", "lobby")
	require.NoError(t, err)
	assert.Equal(t, "c1", b.ConnID)
	assert.Equal(t, "bo", b.Name)
	assert.Equal(t, "lobby", b.Room)

	got, ok := r.Find("c1")
	require.True(t, ok)
	assert.Equal(t, b, got)

	got, ok = r.FindByName("bo")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConnID)

	_, ok = r.Find("missing")
	assert.False(t, ok)
	_, ok = r.FindByName("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Upsert("c1", "", "lobby")
	require.ErrorIs(t, err, ErrInvalidName)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryLastJoinWins(t *testing.T) {
	r := NewRegistry()

	_, err := r.Upsert("c1", "A", "R1")
	require.NoError(t, err)
	_, err = r.Upsert("c2", "A", "R2")
	require.NoError(t, err)

	b, ok := r.FindByName("A")
	require.True(t, ok)
	assert.Equal(t, "c2", b.ConnID)
	assert.Equal(t, "R2", b.Room)

	_, ok = r.Find("c1")
	assert.False(t, ok, "superseded connection must lose its binding")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRenameReleasesOldName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Upsert("c1", "old", "lobby")
	require.NoError(t, err)
	_, err = r.Upsert("c1", "new", "lobby")
	require.NoError(t, err)

	_, ok := r.FindByName("old")
	assert.False(t, ok)
	b, ok := r.Find("c1")
	require.True(t, ok)
	assert.Equal(t, "new", b.Name)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryStaleRemoveIsNoop(t *testing.T) {
	r := NewRegistry()

	_, err := r.Upsert("c1", "A", "R1")
	require.NoError(t, err)
	_, err = r.Upsert("c2", "A", "R1")
	require.NoError(t, err)

	r.Remove("c1")

	b, ok := r.FindByName("A")
	require.True(t, ok)
	assert.Equal(t, "c2", b.ConnID)

	r.Remove("c2")
	_, ok = r.FindByName("A")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotKeepsJoinOrder(t *testing.T) {
	r := NewRegistry()
	for i, name := range []string{"c", "a", "b"} {
		_, err := r.Upsert(fmt.Sprintf("conn-%d", i), name, "lobby")
		require.NoError(t, err)
	}

	var names []string
	for _, b := range r.Snapshot() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", id)
			name := fmt.Sprintf("user-%d", id%10)
			_, _ = r.Upsert(conn, name, "lobby")
			r.Find(conn)
			r.FindByName(name)
			r.Snapshot()
			if id%3 == 0 {
				r.Remove(conn)
			}
		}(i)
	}
	wg.Wait()

	for _, b := range r.Snapshot() {
		got, ok := r.Find(b.ConnID)
		require.True(t, ok)
		assert.Equal(t, b.Name, got.Name)
	}
	assert.LessOrEqual(t, r.Len(), 10)
}
