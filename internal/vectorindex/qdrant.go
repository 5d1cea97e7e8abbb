package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string

	// Port is the gRPC port (6334, not the 6333 REST port).
	Port int

	UseTLS bool
	APIKey string

	// VectorSize is the embedding dimension for new collections.
	VectorSize uint64

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration

	// RetryAttempts is the retry count for transient failures.
	RetryAttempts int
}

// ApplyDefaults fills unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
}

// QdrantIndex implements Index against a Qdrant server over gRPC.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewQdrantIndex connects to Qdrant and verifies the connection.
func NewQdrantIndex(cfg QdrantConfig, logger *logging.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid qdrant port: %d", cfg.Port)
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	idx := &QdrantIndex{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}

	logger.Info(ctx, "qdrant connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	return idx, nil
}

// EnsureCollection creates the collection if it does not exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	return q.retry(ctx, func() error {
		_, err := q.client.GetCollectionInfo(ctx, name)
		if err == nil {
			return nil
		}
		if st, ok := status.FromError(err); !ok || st.Code() != codes.NotFound {
			return err
		}
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
}

// Upsert inserts or replaces records.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, records []Record) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("record %s: %w", rec.ID, ErrEmptyVector)
		}
		payload := make(map[string]*qdrant.Value, len(rec.Payload))
		for k, v := range rec.Payload {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: payload,
		})
	}

	return q.retry(ctx, func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
		})
		return err
	})
}

// Query returns up to limit nearest neighbors matching the filter.
func (q *QdrantIndex) Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]Match, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	var qfilter *qdrant.Filter
	if len(filter) > 0 {
		qfilter = &qdrant.Filter{}
		for k, v := range filter {
			qfilter.Must = append(qfilter.Must, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   k,
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}},
					},
				},
			})
		}
	}

	var results []*qdrant.ScoredPoint
	err := q.retry(ctx, func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qfilter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Record: Record{
				ID:      pointID(r.Id),
				Payload: stringPayload(r.Payload),
			},
			Score: r.Score,
		})
	}
	return matches, nil
}

// Close closes the client connection.
func (q *QdrantIndex) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

func (q *QdrantIndex) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// retry runs op with exponential backoff on transient gRPC failures.
func (q *QdrantIndex) retry(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= q.config.RetryAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) || attempt == q.config.RetryAttempts {
			break
		}
		q.logger.Debug(ctx, "retrying qdrant operation",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}

func transient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	if n := id.GetNum(); n != 0 {
		return fmt.Sprintf("%d", n)
	}
	return ""
}

func stringPayload(payload map[string]*qdrant.Value) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = fmt.Sprintf("%d", val.IntegerValue)
		case *qdrant.Value_DoubleValue:
			out[k] = fmt.Sprintf("%g", val.DoubleValue)
		case *qdrant.Value_BoolValue:
			out[k] = fmt.Sprintf("%t", val.BoolValue)
		}
	}
	return out
}

var _ Index = (*QdrantIndex)(nil)
