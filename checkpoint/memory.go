package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. It is safe for
// concurrent use and is intended for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
	opts    options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Record),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}

	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.records[rec.ConversationID]
	if !ok {
		steps = make(map[string]Record)
		s.records[rec.ConversationID] = steps
	}

	rec.State = cloneBytes(rec.State)
	rec.Metadata = cloneBytes(rec.Metadata)
	rec.CreatedAt = now
	if existing, ok := steps[rec.StepID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	rec.UpdatedAt = now
	steps[rec.StepID] = rec
	return nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, conversationID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest Record
		found  bool
	)
	for _, rec := range s.records[conversationID] {
		if !found || rec.Sequence > latest.Sequence {
			latest = rec
			found = true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) List(ctx context.Context, conversationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Record, 0, len(s.records[conversationID]))
	for _, rec := range s.records[conversationID] {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Len returns the number of stored records for a conversation.
func (s *MemoryStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[conversationID])
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
