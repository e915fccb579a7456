package vectorstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a store operation runs before
	// EnsureCollectionExists.
	ErrNotInitialized = errors.New("vectorstore: collection not initialized")

	ErrMissingID      = errors.New("vectorstore: item missing id")
	ErrEmptyData      = errors.New("vectorstore: item has empty data")
	ErrEmptyEmbedding = errors.New("vectorstore: item has empty embedding")
)

// SchemaMismatchError is returned when a collection already exists with a
// different vector dimension and recreation is disallowed.
type SchemaMismatchError struct {
	Collection string
	Existing   int
	Requested  int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("collection %s declares dimension %d, requested %d (set allowRecreation to drop and recreate)",
		e.Collection, e.Existing, e.Requested)
}

// DimensionError is returned when a write carries a vector whose length
// does not match the collection dimension.
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension %d does not match collection dimension %d", e.Got, e.Expected)
}

// ProtocolError surfaces a non-2xx or malformed response from a remote
// backend, preserving status and body for diagnosis.
type ProtocolError struct {
	Backend string
	Status  int
	Body    string
}

func (e *ProtocolError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Backend, e.Status, e.Body)
}
