package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("github.com/fyrsmithlabs/actiond/internal/knowledge/chromem")

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the database in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemStore is an embedded vector store backed by chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	logger     *zap.Logger
}

// NewChromemStore opens or creates the collection.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem knowledge store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
	)
	return &ChromemStore{db: db, collection: collection, embedder: embedder, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) Add(ctx context.Context, doc string, metadata map[string]string, id string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", id))

	vec, err := s.embedder.EmbedQuery(ctx, doc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	err = s.collection.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   doc,
		Metadata:  metadata,
		Embedding: vec,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document: %w", err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, text string, filter map[string]string, topK int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidQuery, topK)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}

	// chromem requires nResults <= document count.
	count := s.collection.Count()
	if count == 0 {
		return []Match{}, nil
	}
	if topK > count {
		topK = count
	}
	if len(filter) == 0 {
		filter = nil
	}

	// A filter matching fewer than topK documents returns what it matched.
	results, err := s.collection.Query(ctx, text, topK, filter, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = Match{ID: r.ID, Document: r.Content, Metadata: r.Metadata, Score: r.Similarity}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}

func (s *ChromemStore) Close() error {
	s.logger.Info("chromem knowledge store closed")
	return nil
}
