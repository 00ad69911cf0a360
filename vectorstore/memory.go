package vectorstore

import (
	"context"
	"sync"

	"github.com/teranos/loom/embed"
	"github.com/teranos/loom/errors"
)

type memoryEntry struct {
	seq     int64
	vector  []float32
	payload map[string]any
}

// Memory is an in-process store. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	nextSeq int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

// Upsert implements Store
func (m *Memory) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateUpsert(id, vector); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		e.vector = append([]float32(nil), vector...)
		e.payload = clonePayload(payload)
		return nil
	}
	m.nextSeq++
	m.entries[id] = &memoryEntry{
		seq:     m.nextSeq,
		vector:  append([]float32(nil), vector...),
		payload: clonePayload(payload),
	}
	return nil
}

// Query implements Store. Entries whose dimension differs from vector are skipped.
func (m *Memory) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateK(k); err != nil {
		return nil, err
	}
	if err := validateVector(vector); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.entries))
	for id, e := range m.entries {
		if len(e.vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{
			ID:      id,
			Score:   embed.Cosine(vector, e.vector),
			Payload: clonePayload(e.payload),
			seq:     e.seq,
		})
	}
	return topK(hits, k), nil
}

// Delete removes id; deleting a missing id is not an error
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len is the number of stored vectors
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns the payload stored under id
func (m *Memory) Get(_ context.Context, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError("vector %q", id)
	}
	return clonePayload(e.payload), nil
}
