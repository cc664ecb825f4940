package ocpp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

func newRegistrySession(store *db.MemoryStore) (*Session, *fakeConn) {
	cp := models.ChargePoint{ID: 1, CompanyID: 10, SiteID: 20, Name: "CP-1", Enabled: true}
	store.AddChargePoint(cp)
	conn := newFakeConn()
	return NewSession(&cp, conn, &Router{handlers: map[string]HandlerFunc{}}, time.Second, nil), conn
}

func TestRegisterReplacesExistingSession(t *testing.T) {
	store := db.NewMemoryStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	first, firstConn := newRegistrySession(store)
	registry.Register(ctx, first)

	second, _ := newRegistrySession(store)
	registry.Register(ctx, second)

	// The stale connection is closed, the new one is current.
	select {
	case <-firstConn.closed:
	case <-time.After(time.Second):
		t.Fatal("replaced session was not closed")
	}

	current, ok := registry.Get("CP-1")
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestUnregisterIgnoresReplacedSession(t *testing.T) {
	store := db.NewMemoryStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	first, _ := newRegistrySession(store)
	registry.Register(ctx, first)
	second, _ := newRegistrySession(store)
	registry.Register(ctx, second)

	// The replaced session's teardown must not evict its successor.
	registry.Unregister(ctx, first)

	current, ok := registry.Get("CP-1")
	require.True(t, ok)
	assert.Same(t, second, current)

	registry.Unregister(ctx, second)
	_, ok = registry.Get("CP-1")
	assert.False(t, ok)
}

func TestRegistryTracksConnectedFlag(t *testing.T) {
	store := db.NewMemoryStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	session, _ := newRegistrySession(store)
	registry.Register(ctx, session)

	cp, _, err := store.GetChargePointByName(ctx, "CP-1")
	require.NoError(t, err)
	assert.True(t, cp.IsConnected)

	registry.Unregister(ctx, session)
	cp, _, err = store.GetChargePointByName(ctx, "CP-1")
	require.NoError(t, err)
	assert.False(t, cp.IsConnected)
}

func TestIdentitiesAndStats(t *testing.T) {
	store := db.NewMemoryStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	session, _ := newRegistrySession(store)
	registry.Register(ctx, session)

	assert.Equal(t, []string{"CP-1"}, registry.Identities())

	stats := registry.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "CP-1", stats[0].ChargePointID)
	assert.Zero(t, stats[0].PendingCalls)
}

func TestEvictStale(t *testing.T) {
	store := db.NewMemoryStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	session, conn := newRegistrySession(store)
	session.onClose = func(s *Session) { registry.Unregister(context.Background(), s) }
	registry.Register(ctx, session)

	// Fresh session survives.
	registry.EvictStale(time.Minute)
	_, ok := registry.Get("CP-1")
	assert.True(t, ok)

	session.mu.Lock()
	session.lastActivity = time.Now().Add(-2 * time.Minute)
	session.mu.Unlock()

	registry.EvictStale(time.Minute)

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("stale session was not closed")
	}
	_, ok = registry.Get("CP-1")
	assert.False(t, ok)
}
