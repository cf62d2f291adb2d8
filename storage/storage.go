// Package storage provides the pluggable backend interface for artifact storage.
package storage

import "context"

// Store is the backend interface for execution artifacts (chunk outputs,
// chunk errors, merged results, exports).
//
// Keys are hierarchical "/"-separated paths. Values are binary data;
// artifact contents are CSV but the store does not interpret them.
//
// Put overwrites an existing key, which is what makes chunk re-invocation
// idempotent: a retried chunk writes the same key, it does not append.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Put stores data at key, overwriting any existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the data for key. Returns errors.ErrKeyNotFound
	// (possibly wrapped) if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
