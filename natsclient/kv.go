package natsclient

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/retry"
)

// KV errors
var (
	ErrKVKeyNotFound        = errors.New(errors.KindNotFound, "natsclient.kv", "key not found")
	ErrKVKeyExists          = errors.New(errors.KindValidation, "natsclient.kv", "key already exists")
	ErrKVRevisionMismatch   = errors.New(errors.KindValidation, "natsclient.kv", "revision mismatch")
	ErrKVMaxRetriesExceeded = errors.New(errors.KindCapacity, "natsclient.kv", "max CAS retries exceeded")
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	MaxRetries   int           // CAS retry attempts after the first
	RetryDelay   time.Duration // Initial delay between retries
	Timeout      time.Duration // Per-operation timeout
	MaxValueSize int
}

// DefaultKVOptions returns the defaults used by the registry mirror.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:   5,
		RetryDelay:   10 * time.Millisecond,
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// KVStore provides key/value operations over a JetStream bucket.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore creates a new KV store with the given bucket
func (m *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options, logger: m.logger}
}

// Bucket returns the name of the underlying bucket.
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.WithKind(errors.KindTransport, "natsclient.KVStore.Get",
			errors.Wrap(err, "KVStore", "Get", "get "+key))
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.Newf(errors.KindCapacity, "natsclient.KVStore.Put",
			"value size %d exceeds maximum %d", len(value), kv.options.MaxValueSize)
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WithKind(errors.KindTransport, "natsclient.KVStore.Put",
			errors.Wrap(err, "KVStore", "Put", "put "+key))
	}
	kv.logger.Debugf("KV Put: key=%s, revision=%d", key, rev)
	return rev, nil
}

// Create only creates if key doesn't exist
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, errors.WithKind(errors.KindTransport, "natsclient.KVStore.Create",
			errors.Wrap(err, "KVStore", "Create", "create "+key))
	}
	return rev, nil
}

// Update performs CAS update with explicit revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, errors.WithKind(errors.KindTransport, "natsclient.KVStore.Update",
			errors.Wrap(err, "KVStore", "Update", "update "+key))
	}
	return rev, nil
}

// UpdateWithRetry reads key, applies updateFn and writes back with CAS, retrying on
// conflicts. A missing key is created.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.RetryDelay * 16,
		Multiplier:   2.0,
		AddJitter:    true,
		Retryable:    IsKVConflictError,
	}

	err := retry.Do(ctx, cfg, func() error {
		var current []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !IsKVNotFoundError(err):
			return retry.NonRetryable(err)
		}

		next, err := updateFn(current)
		if err != nil {
			return retry.NonRetryable(err)
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if err != nil && IsKVConflictError(err) {
			kv.logger.Debugf("KV CAS conflict (retrying): key=%s", key)
		}
		return err
	})
	if err != nil && IsKVConflictError(err) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

// Delete removes a key from the bucket
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return errors.WithKind(errors.KindTransport, "natsclient.KVStore.Delete",
			errors.Wrap(err, "KVStore", "Delete", "delete "+key))
	}
	kv.logger.Debugf("KV Delete: key=%s", key)
	return nil
}

// Keys lists the live keys in the bucket. An empty bucket yields an empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, errors.WithKind(errors.KindTransport, "natsclient.KVStore.Keys",
			errors.Wrap(err, "KVStore", "Keys", "list keys"))
	}
	defer func() { _ = lister.Stop() }()

	keys := []string{}
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "key not found") || strings.Contains(errMsg, "10037")
}

// IsKVConflictError checks if error indicates a conflict (key exists or wrong revision)
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") || strings.Contains(errMsg, "10071")
}
