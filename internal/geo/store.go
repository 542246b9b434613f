package geo

import (
	"context"
	"sync"
	"time"

	"github.com/kubilitics/authd/internal/models"
)

// MemoryStore is an in-process Store implementation, useful for tests and
// single-node deployments where the repository-backed store is overkill.
// Production deployments should back Store with the repository package so
// metadata and history survive restarts and are shared across instances.
type MemoryStore struct {
	mu        sync.Mutex
	metadata  map[string]*models.IPMetadata
	blocklist map[string]models.IPBlocklist
	history   map[string][]models.GeoHistoryEntry
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metadata:  make(map[string]*models.IPMetadata),
		blocklist: make(map[string]models.IPBlocklist),
		history:   make(map[string][]models.GeoHistoryEntry),
	}
}

func (s *MemoryStore) GetIPMetadata(_ context.Context, ip string) (*models.IPMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[ip]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpsertIPMetadata(_ context.Context, m *models.IPMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.metadata[m.IPAddress] = &cp
	return nil
}

// Block adds ip to the blocklist, expiring at expiresAt (zero value means
// indefinite).
func (s *MemoryStore) Block(ip, reason string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := models.IPBlocklist{IPAddress: ip, Reason: reason, CreatedAt: time.Now()}
	if !expiresAt.IsZero() {
		entry.ExpiresAt = &expiresAt
	}
	s.blocklist[ip] = entry
}

func (s *MemoryStore) IsIPBlocked(_ context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blocklist[ip]
	if !ok {
		return false, nil
	}
	return entry.IsActive(), nil
}

func (s *MemoryStore) AppendGeoHistory(_ context.Context, entry models.GeoHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append([]models.GeoHistoryEntry{entry}, s.history[entry.UserID]...)
	if len(h) > models.GeoHistoryLimit {
		h = h[:models.GeoHistoryLimit]
	}
	s.history[entry.UserID] = h
	return nil
}

func (s *MemoryStore) RecentGeoHistory(_ context.Context, userID string, limit int) ([]models.GeoHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[userID]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]models.GeoHistoryEntry, len(h))
	copy(out, h)
	return out, nil
}
