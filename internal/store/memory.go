// ABOUTME: In-memory transcript store
// ABOUTME: Used by default and in tests; contents are lost on exit

package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/2389/carblau-chat/internal/conversation"
)

type memoryStore struct {
	mu          sync.RWMutex
	transcripts map[string]*Transcript
	now         func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		transcripts: make(map[string]*Transcript),
		now:         now,
	}
}

// Save implements Store.
func (s *memoryStore) Save(_ context.Context, threadID string, messages []conversation.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created := now
	if existing, ok := s.transcripts[threadID]; ok {
		created = existing.CreatedAt
	}
	s.transcripts[threadID] = &Transcript{
		ThreadID:  threadID,
		Messages:  slices.Clone(messages),
		CreatedAt: created,
		UpdatedAt: now,
	}
	return nil
}

// Load implements Store.
func (s *memoryStore) Load(_ context.Context, threadID string) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transcripts[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	out.Messages = slices.Clone(t.Messages)
	return &out, nil
}

// ListThreads implements Store.
func (s *memoryStore) ListThreads(_ context.Context, limit int) ([]ThreadSummary, error) {
	s.mu.RLock()
	summaries := make([]ThreadSummary, 0, len(s.transcripts))
	for _, t := range s.transcripts {
		summaries = append(summaries, summarize(t))
	}
	s.mu.RUnlock()

	slices.SortFunc(summaries, func(a, b ThreadSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ThreadID, b.ThreadID)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Delete implements Store.
func (s *memoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transcripts, threadID)
	return nil
}

// Close implements Store.
func (s *memoryStore) Close() error {
	return nil
}
