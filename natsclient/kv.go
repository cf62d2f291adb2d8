package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Well-known KV errors
var (
	ErrKVKeyNotFound      = errors.New("kv: key not found")
	ErrKVKeyExists        = errors.New("kv: key already exists")
	ErrKVRevisionMismatch = errors.New("kv: revision mismatch (concurrent update)")
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout time.Duration // Per-operation timeout
}

// DefaultKVOptions returns sensible defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{Timeout: 5 * time.Second}
}

// KVStore provides KV operations with conditional-write support.
// Create is the atomic create-if-absent primitive the lock manager
// is built on: it succeeds for exactly one of any set of concurrent
// callers for the same key.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore creates a new KV store over the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision for CAS operations
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create only creates if the key doesn't exist (ErrKVKeyExists otherwise)
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update performs a CAS update with an explicit revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// DeleteRevision removes a key only if it is still at the given
// revision (ErrKVRevisionMismatch otherwise). This is the conditional
// counterpart of Delete for read-then-delete sequences that must not
// clobber a concurrent writer.
func (kv *KVStore) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key, jetstream.LastRevision(revision)); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		if IsKVConflictError(err) {
			return ErrKVRevisionMismatch
		}
		return fmt.Errorf("kv delete %s@%d: %w", key, revision, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// IsKVNotFoundError checks whether err indicates a missing key
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsKVConflictError checks whether err indicates a conditional-write conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) ||
		errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") ||
		strings.Contains(errMsg, "key exists")
}
