package vectorindex

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// ChromemIndex implements Index on an embedded chromem database.
// With an empty path it is purely in-memory, which is the default for
// development and tests.
type ChromemIndex struct {
	db     *chromem.DB
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewChromemIndex opens an embedded index. path == "" means in-memory.
func NewChromemIndex(path string, logger *logging.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	return &ChromemIndex{db: db, logger: logger}, nil
}

// externalEmbeddings rejects implicit embedding generation. All
// vectors are computed by the inference client and passed in.
func externalEmbeddings(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings must be supplied by the caller")
}

func (c *ChromemIndex) collection(name string) (*chromem.Collection, error) {
	return c.db.GetOrCreateCollection(name, nil, externalEmbeddings)
}

// EnsureCollection creates the collection if it does not exist.
func (c *ChromemIndex) EnsureCollection(_ context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.collection(name)
	return err
}

// Upsert inserts or replaces records.
func (c *ChromemIndex) Upsert(ctx context.Context, collection string, records []Record) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	col, err := c.collection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("record %s: %w", rec.ID, ErrEmptyVector)
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Content:   rec.Payload["description"],
			Metadata:  rec.Payload,
			Embedding: rec.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	c.logger.Debug(ctx, "upserted records",
		zap.String("collection", collection),
		zap.Int("count", len(records)),
	)
	return nil
}

// Query returns up to limit nearest neighbors matching the filter.
func (c *ChromemIndex) Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]Match, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	col, err := c.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the stored document count.
	if count := col.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, map[string]string(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Record: Record{ID: r.ID, Payload: r.Metadata},
			Score:  r.Similarity,
		})
	}
	return matches, nil
}

// Close marks the index closed. The embedded database needs no
// explicit teardown.
func (c *ChromemIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *ChromemIndex) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

var _ Index = (*ChromemIndex)(nil)
