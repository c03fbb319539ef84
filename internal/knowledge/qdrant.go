package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("github.com/fyrsmithlabs/actiond/internal/knowledge/qdrant")

// pointNamespace derives stable point UUIDs from document ids.
var pointNamespace = uuid.MustParse("6f1c3f0e-5a4e-4c1a-9a57-3f1f6c8c2d10")

const (
	payloadDocument = "document"
	payloadID       = "doc_id"

	defaultQdrantPort     = 6334
	defaultMaxMessageSize = 50 * 1024 * 1024
	defaultHealthTimeout  = 5 * time.Second
)

// QdrantConfig configures the remote Qdrant store.
type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	APIKey     string
	Collection string
}

// QdrantStore is a remote vector store using Qdrant's gRPC client.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
	logger     *zap.Logger
}

// NewQdrantStore connects, health-checks and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Host == "" {
		return nil, errors.New("qdrant host required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultQdrantPort
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(defaultMaxMessageSize),
				grpc.MaxCallSendMsgSize(defaultMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &QdrantStore{client: client, collection: cfg.Collection, embedder: embedder, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check failed: %v", ErrUnavailable, err)
	}
	if err := s.ensureCollection(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant knowledge store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	_, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *QdrantStore) Add(ctx context.Context, doc string, metadata map[string]string, id string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Add")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", id))

	vec, err := s.embedder.EmbedQuery(ctx, doc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	payload := make(map[string]*qdrant.Value, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	payload[payloadDocument] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc}}
	payload[payloadID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: id}}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String()),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting point: %w", err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, text string, filter map[string]string, topK int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidQuery, topK)
	}
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var qfilter *qdrant.Filter
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			conditions = append(conditions, qdrant.NewMatch(k, v))
		}
		qfilter = &qdrant.Filter{Must: conditions}
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qfilter,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.collection, err)
	}

	out := make([]Match, 0, len(points))
	for _, p := range points {
		m := Match{Score: p.Score, Metadata: make(map[string]string)}
		for k, v := range p.Payload {
			sv, ok := v.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch k {
			case payloadDocument:
				m.Document = sv.StringValue
			case payloadID:
				m.ID = sv.StringValue
			default:
				m.Metadata[k] = sv.StringValue
			}
		}
		out = append(out, m)
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return int(n), nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}
