package reference

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Resource
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Resource)}
}

func memoryKey(facilityID, resourceType, id string) string {
	return facilityID + "|" + resourceType + "/" + id
}

func (s *MemoryStore) Get(_ context.Context, facilityID, resourceType, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[memoryKey(facilityID, resourceType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) Upsert(_ context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(r.FacilityID, r.ResourceType, r.ResourceID)
	now := time.Now().UTC()
	if cur, ok := s.items[k]; ok {
		r.ID = cur.ID
		r.CreatedAt = cur.CreatedAt
		if r.UnitID == "" {
			r.UnitID = cur.UnitID
		}
	} else {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	c := *r
	s.items[k] = &c
	return nil
}

// Len reports how many targets are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
