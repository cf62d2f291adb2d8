// Package lock provides named, scoped distributed locks over a KV bucket.
//
// Acquisition is a single atomic conditional write (KV create-if-absent),
// never a read-then-write sequence, so exactly one of any set of
// concurrent acquirers wins. Each lock carries an expiry so a crashed
// holder cannot block the resource forever: the bucket's TTL reclaims
// the key, and Acquire also reclaims records whose expiry has passed.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/natsclient"
)

// Scope identifies the family of resources a lock guards
type Scope string

// Lock scopes used by the engine
const (
	ScopeMetricAggregation Scope = "metricAggregation"
	ScopeExport            Scope = "export"
)

// KV is the subset of KV operations the manager needs. Satisfied by
// *natsclient.KVStore; tests use an in-memory implementation of the
// same conditional-create contract.
type KV interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	DeleteRevision(ctx context.Context, key string, revision uint64) error
}

// Lease is a held lock. Release requires the token, so a lease cannot
// be released by anyone but its holder.
type Lease struct {
	Scope     Scope     `json:"scope"`
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type record struct {
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Manager acquires and releases scoped locks
type Manager struct {
	kv     KV
	ttl    time.Duration
	holder string
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager. holder identifies this process in
// lock records for diagnosis of contention.
func NewManager(kv KV, ttl time.Duration, holder string, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{kv: kv, ttl: ttl, holder: holder, logger: logger, now: time.Now}
}

// kvKey maps (scope, key) to a KV key. KV keys permit a restricted
// character set, so anything outside it is mapped to '_'.
func kvKey(scope Scope, key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == '=' || r == '/':
			return r
		default:
			return '_'
		}
	}, key)
	return string(scope) + "." + strings.Trim(sanitized, "/")
}

// Acquire takes the lock for (scope, key). Returns ErrAlreadyLocked
// (wrapped) when another holder has an unexpired lease; contention is
// surfaced to the caller as a conflict, never retried here.
func (m *Manager) Acquire(ctx context.Context, scope Scope, key string) (*Lease, error) {
	if key == "" {
		return nil, errors.WrapInvalid(nil, "lock", "Acquire", "key cannot be empty")
	}

	rec := record{
		Token:      uuid.NewString(),
		Holder:     m.holder,
		AcquiredAt: m.now(),
		ExpiresAt:  m.now().Add(m.ttl),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.WrapFatal(err, "lock", "Acquire", "marshal lock record")
	}

	k := kvKey(scope, key)
	_, err = m.kv.Create(ctx, k, value)
	if err == nil {
		return &Lease{Scope: scope, Key: key, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
	}
	if !natsclient.IsKVConflictError(err) {
		return nil, errors.WrapTransient(err, "lock", "Acquire", "conditional create")
	}

	// Key exists. Reclaim it only if the recorded expiry has passed.
	existing, getErr := m.kv.Get(ctx, k)
	if getErr != nil {
		if errors.Is(getErr, natsclient.ErrKVKeyNotFound) {
			// Holder released (or TTL fired) between our create and get.
			if _, err := m.kv.Create(ctx, k, value); err == nil {
				return &Lease{Scope: scope, Key: key, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
			}
			return nil, errors.Wrap(errors.ErrAlreadyLocked, "lock", "Acquire", string(scope)+"/"+key)
		}
		return nil, errors.WrapTransient(getErr, "lock", "Acquire", "read existing lock")
	}

	var cur record
	if unmarshalErr := json.Unmarshal(existing.Value, &cur); unmarshalErr == nil && m.now().After(cur.ExpiresAt) {
		m.logger.Warn("Reclaiming expired lock",
			"scope", scope, "key", key, "holder", cur.Holder, "expiredAt", cur.ExpiresAt)
		// The delete is conditioned on the revision the expired record
		// was read at. If the old holder releases and a new holder
		// acquires in between, the revision no longer matches and the
		// reclaim is abandoned: the new lease must not be deleted.
		if delErr := m.kv.DeleteRevision(ctx, k, existing.Revision); delErr == nil {
			if _, err := m.kv.Create(ctx, k, value); err == nil {
				return &Lease{Scope: scope, Key: key, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
			}
		}
	}

	return nil, errors.Wrap(errors.ErrAlreadyLocked, "lock", "Acquire",
		fmt.Sprintf("%s/%s held by %s until %s", scope, key, cur.Holder, cur.ExpiresAt.Format(time.RFC3339)))
}

// Release releases a held lease. The stored token must match.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.WrapInvalid(nil, "lock", "Release", "lease cannot be nil")
	}

	k := kvKey(lease.Scope, lease.Key)
	existing, err := m.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			// Expired and reclaimed; nothing left to release.
			return nil
		}
		return errors.WrapTransient(err, "lock", "Release", "read lock record")
	}

	var cur record
	if err := json.Unmarshal(existing.Value, &cur); err != nil {
		return errors.WrapFatal(err, "lock", "Release", "unmarshal lock record")
	}
	if cur.Token != lease.Token {
		return errors.Wrap(errors.ErrLockNotHeld, "lock", "Release", string(lease.Scope)+"/"+lease.Key)
	}

	// Condition the delete on the revision the token was verified at.
	// If the lease expired mid-operation and a successor already holds
	// a fresh lock, the revision differs and there is nothing of ours
	// left to release.
	if err := m.kv.DeleteRevision(ctx, k, existing.Revision); err != nil {
		if errors.Is(err, natsclient.ErrKVRevisionMismatch) || errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "lock", "Release", "delete lock record")
	}
	return nil
}

// WithLock runs fn under the (scope, key) lock and guarantees release
// on every exit path, including panics. A release failure after a
// successful fn is reported as ErrLockRelease and logged at error
// level: the resource stays blocked until the expiry reclaims it, so
// this is an alert condition.
func (m *Manager) WithLock(ctx context.Context, scope Scope, key string, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, scope, key)
	if err != nil {
		return err
	}

	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				fnErr = errors.WrapFatal(fmt.Errorf("panic: %v", r), "lock", "WithLock", "guarded operation panicked")
			}
		}()
		fnErr = fn(ctx)
	}()

	if relErr := m.Release(ctx, lease); relErr != nil {
		m.logger.Error("Lock release failed; resource blocked until expiry",
			"scope", scope, "key", key, "expiresAt", lease.ExpiresAt, "error", relErr)
		if fnErr == nil {
			return errors.Wrap(errors.ErrLockRelease, "lock", "WithLock", string(scope)+"/"+key)
		}
	}
	return fnErr
}
