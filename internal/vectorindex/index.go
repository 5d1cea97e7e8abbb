// Package vectorindex provides the similarity index used to match new
// incidents against past resolutions.
//
// The index stores (embedding, metadata) records and answers k-nearest
// neighbor queries with equality filters on metadata. Two backends are
// provided: a Qdrant gRPC backend for deployments and an embedded
// chromem backend for development and tests.
package vectorindex

import (
	"context"
	"errors"
)

var (
	// ErrEmptyVector indicates a query or record without a vector.
	ErrEmptyVector = errors.New("empty vector")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("index is closed")
)

// Record is one stored (embedding, metadata) entry.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Match is a query hit with its similarity score.
type Match struct {
	Record
	Score float32
}

// Filter is a set of metadata equality constraints; all must match.
type Filter map[string]string

// Index is the narrow contract the retriever needs from a vector store.
type Index interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, name string) error

	// Upsert inserts or replaces records in a collection.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Query returns up to limit nearest neighbors of vector, restricted
	// to records whose payload satisfies the filter.
	Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]Match, error)

	// Close releases backend resources.
	Close() error
}
