package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careerlink/backend/internal/domain"
)

// MemoryStore is an in-memory implementation of the user record store and
// activity log. It backs tests and local development without PostgreSQL and
// mirrors the store contract exactly: single-record compare-and-swap updates
// with a version counter.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*domain.UserRecord
	activities []domain.Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]*domain.UserRecord),
	}
}

// PutUser inserts or replaces a user record, for seeding.
func (s *MemoryStore) PutUser(record domain.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Relationships.Connections == nil {
		record.Relationships = domain.NewRelationshipSets()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt
	s.users[record.ID] = cloneRecord(&record)
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*domain.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) UpdateRelationships(_ context.Context, id uuid.UUID, mutate domain.Mutator) (*domain.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	record.Relationships = mutate(record.Relationships.Clone())
	record.Version++
	record.UpdatedAt = time.Now().UTC()
	return cloneRecord(record), nil
}

func (s *MemoryStore) ListIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *MemoryStore) RecordActivity(_ context.Context, activity domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activities = append(s.activities, activity)
	return nil
}

func (s *MemoryStore) ListActivities(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.Activity
	for _, a := range s.activities {
		if a.ActorID == userID || a.PeerID == userID {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*domain.Activity, len(matched))
	for i := range matched {
		a := matched[i]
		out[i] = &a
	}
	return out, nil
}

func cloneRecord(record *domain.UserRecord) *domain.UserRecord {
	out := *record
	out.Relationships = record.Relationships.Clone()
	return &out
}
