package ocpp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
)

// Registry tracks the live session per charge point identity. At most one
// session exists per identity: registering a new one closes the previous
// connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    db.Store
}

// NewRegistry creates a new session registry
func NewRegistry(store db.Store) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
	}
}

// Register installs a session as the current one for its charge point. A
// previously registered session for the same identity is closed; its close
// callback will find it already replaced and leave the new entry alone.
func (r *Registry) Register(ctx context.Context, s *Session) {
	r.mu.Lock()
	previous := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if previous != nil {
		logrus.WithField("chargePointID", s.ID).Info("Replacing existing connection")
		previous.Close()
	}

	if err := r.store.SetChargePointConnected(ctx, s.ChargePoint.ID, true, time.Now()); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to mark charge point connected")
	}
	logrus.WithField("chargePointID", s.ID).Info("Charge point connected")
}

// Unregister removes a session, but only if it is still the current one for
// its identity. A session replaced on reconnect unregisters as a no-op.
func (r *Registry) Unregister(ctx context.Context, s *Session) {
	r.mu.Lock()
	current := r.sessions[s.ID] == s
	if current {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	if !current {
		return
	}

	if err := r.store.SetChargePointConnected(ctx, s.ChargePoint.ID, false, time.Now()); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.ID).Error("Failed to mark charge point disconnected")
	}
	logrus.WithField("chargePointID", s.ID).Info("Charge point disconnected")
}

// Get returns the live session for a charge point, if any.
func (r *Registry) Get(chargePointID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chargePointID]
	return s, ok
}

// Identities lists the charge point ids with a live session.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Stats snapshots every live session.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}

// EvictStale closes sessions that have been silent for longer than the
// given limit. It is called periodically by the heartbeat watchdog.
func (r *Registry) EvictStale(limit time.Duration) {
	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.IdleSince() > limit {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		logrus.WithFields(logrus.Fields{
			"chargePointID": s.ID,
			"idle":          s.IdleSince().Round(time.Second),
		}).Warn("Evicting silent charge point")
		s.Close()
	}
}

// RunWatchdog evicts silent sessions every interval until ctx is canceled.
func (r *Registry) RunWatchdog(ctx context.Context, interval, limit time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictStale(limit)
		}
	}
}
