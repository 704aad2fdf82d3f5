package authstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	bus := events.NewBus()
	return New(db.NewStore(gdb), bus), bus
}

func TestSetGetRemove(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get("openai")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Connected("openai"))

	require.NoError(t, s.Set(models.AuthRecord{
		ProviderID: "openai",
		Type:       models.AuthTypeAPI,
		Key:        "sk-1",
	}))

	rec, err := s.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", rec.Key)
	assert.True(t, s.Connected("openai"))

	require.NoError(t, s.Remove("openai"))
	_, err = s.Get("openai")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetValidation(t *testing.T) {
	s, _ := newTestStore(t)

	require.Error(t, s.Set(models.AuthRecord{Type: models.AuthTypeAPI, Key: "sk-1"}))
	require.Error(t, s.Set(models.AuthRecord{ProviderID: "openai", Type: "bogus"}))
}

func TestReconnectPreservesCreatedAt(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set(models.AuthRecord{ProviderID: "openai", Type: models.AuthTypeAPI, Key: "sk-1"}))
	first, err := s.Get("openai")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Set(models.AuthRecord{ProviderID: "openai", Type: models.AuthTypeAPI, Key: "sk-2"}))

	second, err := s.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-2", second.Key)
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)
}

func TestAllKeyedByProvider(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set(models.AuthRecord{ProviderID: "openai", Type: models.AuthTypeAPI, Key: "sk-1"}))
	require.NoError(t, s.Set(models.AuthRecord{
		ProviderID: "anthropic",
		Type:       models.AuthTypeOAuth,
		Access:     "at-1",
		Refresh:    "rt-1",
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.AuthTypeOAuth, all["anthropic"].Type)
}

func TestChangeEventsAfterCommit(t *testing.T) {
	s, bus := newTestStore(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	require.NoError(t, s.Set(models.AuthRecord{ProviderID: "openai", Type: models.AuthTypeAPI, Key: "sk-1"}))
	evt := <-ch
	assert.Equal(t, events.TopicAuthChanged, evt.Topic)

	require.NoError(t, s.Remove("openai"))
	evt = <-ch
	assert.Equal(t, events.TopicAuthChanged, evt.Topic)

	// Removing an absent record publishes nothing.
	require.NoError(t, s.Remove("openai"))
	assert.Empty(t, ch)
}
