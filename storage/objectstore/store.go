// Package objectstore provides a NATS JetStream ObjectStore-backed
// implementation of storage.Store for execution artifacts.
package objectstore

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/natsclient"
)

// Config holds the object store configuration
type Config struct {
	BucketName  string `json:"bucketName"`
	Description string `json:"description,omitempty"`
}

// DefaultConfig returns the default artifact bucket configuration
func DefaultConfig() Config {
	return Config{
		BucketName:  "metricflow_artifacts",
		Description: "Execution artifacts: chunk outputs, errors, merged results, exports",
	}
}

// Store implements storage.Store on a JetStream ObjectStore bucket.
//
// ObjectStore object names cannot contain "/", so hierarchical artifact
// keys are mapped to object names by substituting the separator.
type Store struct {
	obs    jetstream.ObjectStore
	logger *slog.Logger
}

const keySeparatorSub = "__"

// NewStore creates (or binds to) the artifact bucket
func NewStore(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(nil, "objectstore", "NewStore", "nats client cannot be nil")
	}
	if cfg.BucketName == "" {
		cfg = DefaultConfig()
	}

	obs, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.BucketName,
		Description: cfg.Description,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "NewStore", "create object store bucket")
	}

	return &Store{obs: obs, logger: logger}, nil
}

func objectName(key string) string {
	return strings.ReplaceAll(key, "/", keySeparatorSub)
}

func objectKey(name string) string {
	return strings.ReplaceAll(name, keySeparatorSub, "/")
}

// Put stores data at key, overwriting any existing object
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.obs.PutBytes(ctx, objectName(key), data); err != nil {
		return errors.WrapTransient(err, "objectstore", "Put", key)
	}
	if s.logger != nil {
		s.logger.Debug("Stored artifact", "key", key, "bytes", len(data))
	}
	return nil
}

// Get retrieves the data for key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.obs.GetBytes(ctx, objectName(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.Wrap(errors.ErrKeyNotFound, "objectstore", "Get", key)
		}
		return nil, errors.WrapTransient(err, "objectstore", "Get", key)
	}
	return data, nil
}

// List returns all keys with the given prefix in lexicographic order
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.obs.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "objectstore", "List", prefix)
	}

	var keys []string
	for _, info := range infos {
		key := objectKey(info.Name)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key; a missing object is not an error
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.obs.Delete(ctx, objectName(key)); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "objectstore", "Delete", key)
	}
	return nil
}
