package services

import (
	"testing"

	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestFeedStore_Replace(t *testing.T) {
	t.Run("view equals the snapshot in order", func(t *testing.T) {
		store := NewFeedStore()
		assert.False(t, store.Ready())

		store.Replace([]models.Message{msg("m3", 3), msg("m2", 2), msg("m1", 1)})

		assert.True(t, store.Ready())
		assert.Equal(t, []string{"m3", "m2", "m1"}, ids(store.View()))
		assert.Equal(t, 3, store.Len())
	})

	t.Run("discards previous contents", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace([]models.Message{msg("a", 1)})
		store.Replace([]models.Message{msg("b", 2)})

		assert.Equal(t, []string{"b"}, ids(store.View()))
		assert.False(t, store.ApplyDelete("a"))
	})

	t.Run("empty snapshot is ready and empty", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace(nil)

		assert.True(t, store.Ready())
		assert.Empty(t, store.View())
		assert.NotNil(t, store.View())
	})

	t.Run("keeps first of repeated ids", func(t *testing.T) {
		store := NewFeedStore()
		first := msg("m1", 2)
		first.Data = "first"
		store.Replace([]models.Message{first, msg("m0", 1), msg("m1", 0)})

		view := store.View()
		assert.Equal(t, []string{"m1", "m0"}, ids(view))
		assert.Equal(t, "first", view[0].Data)
	})

	t.Run("snapshot slice is copied", func(t *testing.T) {
		store := NewFeedStore()
		snapshot := []models.Message{msg("m1", 1)}
		store.Replace(snapshot)
		snapshot[0].ID = "changed"

		assert.Equal(t, []string{"m1"}, ids(store.View()))
	})
}

func TestFeedStore_ApplyCreate(t *testing.T) {
	t.Run("inserts novel ids at the head", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace([]models.Message{msg("m2", 2), msg("m1", 1)})

		assert.True(t, store.ApplyCreate(msg("m3", 3)))
		assert.Equal(t, []string{"m3", "m2", "m1"}, ids(store.View()))
	})

	t.Run("duplicate ids are a no-op", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace([]models.Message{msg("m2", 2), msg("m1", 1)})

		for i := 0; i < 3; i++ {
			dup := msg("m1", 9)
			dup.Data = "replayed"
			assert.False(t, store.ApplyCreate(dup))
		}

		view := store.View()
		assert.Equal(t, []string{"m2", "m1"}, ids(view))
		assert.Empty(t, view[1].Data)
	})

	t.Run("does not enforce the snapshot limit", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace([]models.Message{msg("m1", 1)})
		for i := 0; i < 5; i++ {
			store.ApplyCreate(msg(string(rune('a'+i)), 10+i))
		}
		assert.Equal(t, 6, store.Len())
	})

	t.Run("works before any snapshot", func(t *testing.T) {
		store := NewFeedStore()
		assert.True(t, store.ApplyCreate(msg("m1", 1)))
		assert.Equal(t, []string{"m1"}, ids(store.View()))
		assert.False(t, store.Ready())
	})
}

func TestFeedStore_ApplyDelete(t *testing.T) {
	t.Run("removes by id anywhere in the feed", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace([]models.Message{msg("m3", 3), msg("m2", 2), msg("m1", 1)})

		assert.True(t, store.ApplyDelete("m2"))
		assert.Equal(t, []string{"m3", "m1"}, ids(store.View()))

		// the id can be created again afterwards
		assert.True(t, store.ApplyCreate(msg("m2", 4)))
		assert.Equal(t, []string{"m2", "m3", "m1"}, ids(store.View()))
	})

	t.Run("absent id is a no-op", func(t *testing.T) {
		store := NewFeedStore()
		store.Replace([]models.Message{msg("m2", 2), msg("m1", 1)})
		before := store.View()

		assert.False(t, store.ApplyDelete("missing"))
		assert.Equal(t, before, store.View())
	})
}

func TestFeedStore_MarkPending(t *testing.T) {
	store := NewFeedStore()
	store.Replace([]models.Message{msg("m1", 1)})

	store.MarkPending()

	assert.False(t, store.Ready())
	assert.Equal(t, []string{"m1"}, ids(store.View()))
}

func TestFeedStore_ViewIsACopy(t *testing.T) {
	store := NewFeedStore()
	store.Replace([]models.Message{msg("m1", 1)})

	view := store.View()
	view[0].ID = "mutated"

	assert.Equal(t, []string{"m1"}, ids(store.View()))
}
