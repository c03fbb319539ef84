// Package knowledge persists learning records for similarity retrieval.
//
// Every backend satisfies Store. When no backend is configured or the
// configured one cannot be reached, callers get a Noop store and the system
// keeps running on in-process statistics only.
package knowledge

import (
	"context"
	"errors"
	"maps"
	"math"
	"slices"
	"sync"
)

var (
	// ErrUnavailable indicates the knowledge backend cannot serve requests.
	ErrUnavailable = errors.New("knowledge store unavailable")

	// ErrInvalidQuery indicates an unusable query.
	ErrInvalidQuery = errors.New("invalid knowledge query")
)

// Match is one query result.
type Match struct {
	ID       string            `json:"id"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata"`
	Score    float32           `json:"score"`
}

// Store is a document store with similarity search.
type Store interface {
	// Add stores doc under id, replacing any previous document with that id.
	Add(ctx context.Context, doc string, metadata map[string]string, id string) error
	// Query returns up to topK documents most similar to text whose metadata
	// matches every key in filter.
	Query(ctx context.Context, text string, filter map[string]string, topK int) ([]Match, error)
	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Noop discards writes and finds nothing.
type Noop struct{}

func (Noop) Add(context.Context, string, map[string]string, string) error { return nil }

func (Noop) Query(context.Context, string, map[string]string, int) ([]Match, error) {
	return nil, nil
}

func (Noop) Count(context.Context) (int, error) { return 0, nil }
func (Noop) Close() error                       { return nil }

// Memory is an in-process store with brute-force cosine search.
type Memory struct {
	embedder Embedder

	mu   sync.RWMutex
	docs map[string]memoryDoc
}

type memoryDoc struct {
	text     string
	metadata map[string]string
	vector   []float32
}

// NewMemory creates an in-process store. A nil embedder uses hashing.
func NewMemory(embedder Embedder) *Memory {
	if embedder == nil {
		embedder = NewHashEmbedder(DefaultDimension)
	}
	return &Memory{embedder: embedder, docs: make(map[string]memoryDoc)}
}

func (m *Memory) Add(ctx context.Context, doc string, metadata map[string]string, id string) error {
	if id == "" {
		return errors.New("document id required")
	}
	vec, err := m.embedder.EmbedQuery(ctx, doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[id] = memoryDoc{text: doc, metadata: maps.Clone(metadata), vector: vec}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(ctx context.Context, text string, filter map[string]string, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, ErrInvalidQuery
	}
	q, err := m.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []Match
	for id, d := range m.docs {
		if !matches(d.metadata, filter) {
			continue
		}
		out = append(out, Match{ID: id, Document: d.text, Metadata: maps.Clone(d.metadata), Score: cosine(q, d.vector)})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *Memory) Close() error { return nil }

func matches(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
