package storage

import (
	"context"
	"sync"
	"time"

	"keysync/internal/models"
)

// MemoryKeyStore is an in-process KeyStore with the same constraints as the
// Postgres table. Useful for development and tests.
type MemoryKeyStore struct {
	mu      sync.RWMutex
	records []*models.KeyRecord // insertion order
	nextID  int64
	now     func() time.Time
}

// NewMemoryKeyStore creates an empty in-memory key store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{now: time.Now}
}

var _ KeyStore = (*MemoryKeyStore)(nil)

func (s *MemoryKeyStore) Find(ctx context.Context, userID int64, appID string) (*models.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.UserID == userID && r.AppID == appID {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryKeyStore) Insert(ctx context.Context, record *models.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.KeyID == record.KeyID {
			return ErrDuplicateKeyID
		}
		if r.UserID == record.UserID && r.AppID == record.AppID {
			return ErrDuplicateUserApp
		}
	}

	s.nextID++
	now := s.now()
	record.ID = s.nextID
	record.CreatedAt = now
	record.UpdatedAt = now
	s.records = append(s.records, record.Clone())
	return nil
}

func (s *MemoryKeyStore) Update(ctx context.Context, keyID string, update models.KeyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.KeyID == keyID {
			update.Apply(r)
			r.UpdatedAt = s.now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryKeyStore) ListActiveForUser(ctx context.Context, userID int64) ([]*models.KeyRecord, error) {
	return s.list(func(r *models.KeyRecord) bool { return r.Active && r.UserID == userID }), nil
}

func (s *MemoryKeyStore) ListActive(ctx context.Context) ([]*models.KeyRecord, error) {
	return s.list(func(r *models.KeyRecord) bool { return r.Active }), nil
}

// All returns every record, active or not. Tests use it to compare snapshots.
func (s *MemoryKeyStore) All() []*models.KeyRecord {
	return s.list(func(*models.KeyRecord) bool { return true })
}

func (s *MemoryKeyStore) list(keep func(*models.KeyRecord) bool) []*models.KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.KeyRecord{}
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}
