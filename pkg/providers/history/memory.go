// Package history provides ContextManager implementations: an in-process
// map for single-instance deployments and a Redis-backed store for
// multi-instance ones.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// memoryEntry pairs a stored message with its insertion time, so
// GetHistories can exclude entries older than maxAge.
type memoryEntry struct {
	message  orchestrator.LLMMessage
	storedAt time.Time
}

// MemoryContextManager keeps conversation history in a per-context slice
// guarded by a single mutex. It does not survive a process restart.
// GetHistories honors both limit and maxAge (entries older than maxAge
// are excluded; zero disables age-based exclusion).
type MemoryContextManager struct {
	mu     sync.Mutex
	data   map[string][]memoryEntry
	maxAge time.Duration
}

// NewMemoryContextManager builds an empty MemoryContextManager. maxAge
// of zero disables age-based exclusion in GetHistories.
func NewMemoryContextManager(maxAge time.Duration) *MemoryContextManager {
	return &MemoryContextManager{data: map[string][]memoryEntry{}, maxAge: maxAge}
}

var _ orchestrator.ContextManager = (*MemoryContextManager)(nil)

func (m *MemoryContextManager) GetHistories(ctx context.Context, contextID string, limit int) ([]orchestrator.LLMMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.data[contextID]
	var cutoff time.Time
	if m.maxAge > 0 {
		cutoff = time.Now().Add(-m.maxAge)
	}

	fresh := make([]orchestrator.LLMMessage, 0, len(entries))
	for _, e := range entries {
		if m.maxAge > 0 && e.storedAt.Before(cutoff) {
			continue
		}
		fresh = append(fresh, e.message)
	}

	if limit <= 0 || limit >= len(fresh) {
		return fresh, nil
	}
	return fresh[len(fresh)-limit:], nil
}

func (m *MemoryContextManager) AddHistories(ctx context.Context, contextID string, messages []orchestrator.LLMMessage, schemaTag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, msg := range messages {
		m.data[contextID] = append(m.data[contextID], memoryEntry{message: msg, storedAt: now})
	}
	return nil
}

// Clear drops a single context's history, used by session teardown.
func (m *MemoryContextManager) Clear(contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, contextID)
}
