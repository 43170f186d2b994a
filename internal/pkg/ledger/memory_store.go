package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mayone/pledges/app/models"
)

// MemoryStore keeps pledges in process memory. Used for tests and local
// development; nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	byToken map[string]*models.Pledge
	byNonce map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken: make(map[string]*models.Pledge),
		byNonce: make(map[string]string),
	}
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, p *models.Pledge) (Outcome, *models.Pledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byToken[p.IdempotencyToken]; ok {
		return AlreadyExists, clone(existing), nil
	}
	stored := clone(p)
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.byToken[stored.IdempotencyToken] = stored
	if stored.URLNonce != "" {
		s.byNonce[stored.URLNonce] = stored.IdempotencyToken
	}
	return Created, clone(stored), nil
}

func (s *MemoryStore) Lookup(_ context.Context, token string) (*models.Pledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) FindByNonce(_ context.Context, nonce string) (*models.Pledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.byNonce[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.byToken[token]), nil
}

func (s *MemoryStore) UpdateMetadata(_ context.Context, nonce string, m models.DonorMetadata) (*models.Pledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.byNonce[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	p := s.byToken[token]
	p.DonorMetadata = m
	p.UpdatedAt = time.Now()
	return clone(p), nil
}

// Len returns the number of stored pledges.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

func clone(p *models.Pledge) *models.Pledge {
	c := *p
	return &c
}
