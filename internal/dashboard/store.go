package dashboard

import (
	"context"
	"sync"

	"bookflow/models"
)

// snapshotStore keeps the latest analytics snapshot per symbol for the API.
type snapshotStore struct {
	mu     sync.RWMutex
	latest map[string]models.AnalyticsSnapshot
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{latest: make(map[string]models.AnalyticsSnapshot)}
}

// run drains the snapshot sink until the context is cancelled.
func (s *snapshotStore) run(ctx context.Context, snapshots <-chan models.AnalyticsSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			s.put(snap)
		}
	}
}

func (s *snapshotStore) put(snap models.AnalyticsSnapshot) {
	s.mu.Lock()
	s.latest[snap.Symbol] = snap
	s.mu.Unlock()
}

func (s *snapshotStore) get(symbol string) (models.AnalyticsSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[symbol]
	return snap, ok
}

func (s *snapshotStore) all() []models.AnalyticsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AnalyticsSnapshot, 0, len(s.latest))
	for _, snap := range s.latest {
		out = append(out, snap)
	}
	return out
}
