package override

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.RWMutex
	reqs map[string]Request
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]Request)}
}

// Put stores a copy of the request.
func (s *MemoryStore) Put(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	cp.Approvals = append([]Approval(nil), req.Approvals...)
	s.reqs[req.ID] = cp
	return nil
}

// Get returns a copy of the request, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := req
	cp.Approvals = append([]Approval(nil), req.Approvals...)
	return &cp, nil
}

// List returns copies of all requests ordered by creation time.
func (s *MemoryStore) List(_ context.Context) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Request, 0, len(s.reqs))
	for _, req := range s.reqs {
		cp := req
		cp.Approvals = append([]Approval(nil), req.Approvals...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
