package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "batchd_checkpoints"

// maxCASRetries bounds optimistic update loops under contention.
const maxCASRetries = 16

// KVStore keeps records in a NATS JetStream KeyValue bucket under keys
// <batch>.<task>. Every transition is a read followed by a revision-checked
// Update, retried on conflict.
type KVStore struct {
	base

	kv   jetstream.KeyValue
	conn *nats.Conn // set when the store owns the connection
}

var _ Store = (*KVStore)(nil)

// NewKVStore binds a store to an existing bucket handle.
func NewKVStore(kv jetstream.KeyValue, opts Options) (*KVStore, error) {
	if kv == nil {
		return nil, errors.New("key-value bucket is required")
	}
	b, err := newBase(opts, "checkpoint.kv")
	if err != nil {
		return nil, err
	}
	return &KVStore{base: b, kv: kv}, nil
}

// OpenBucket creates the bucket if needed and returns its handle.
func OpenBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "batchd task checkpoints",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open key-value bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (s *KVStore) key(taskID string) string {
	return s.opts.BatchID + "." + taskID
}

// Plan implements Store.
func (s *KVStore) Plan(ctx context.Context, taskIDs []string) error {
	ctx, span := s.start(ctx, "plan", "")
	defer span.End()

	for _, id := range taskIDs {
		if err := ValidateID(id); err != nil {
			return fail(span, err)
		}
	}
	for _, id := range taskIDs {
		data, err := json.Marshal(s.newRecord(id))
		if err != nil {
			return fail(span, fmt.Errorf("encode record %s: %w", id, err))
		}
		if _, err := s.kv.Create(ctx, s.key(id), data); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
			return fail(span, fmt.Errorf("plan %s: %w", id, err))
		}
	}
	return nil
}

// Claim implements Store.
func (s *KVStore) Claim(ctx context.Context, taskID string) (bool, error) {
	ctx, span := s.start(ctx, "claim", taskID)
	defer span.End()

	claimed := false
	_, err := s.update(ctx, taskID, func(r *Record) (bool, error) {
		claimed = s.claim(ctx, r)
		return claimed, nil
	})
	if err != nil {
		return false, fail(span, err)
	}
	return claimed, nil
}

// Complete implements Store.
func (s *KVStore) Complete(ctx context.Context, taskID string, res Result) (Record, error) {
	ctx, span := s.start(ctx, "complete", taskID)
	defer span.End()

	r, err := s.update(ctx, taskID, func(r *Record) (bool, error) {
		return true, s.complete(r, res)
	})
	if err != nil {
		return Record{}, fail(span, err)
	}
	return r, nil
}

// update applies fn to the current record and writes it back with a
// revision check. fn returning false skips the write.
func (s *KVStore) update(ctx context.Context, taskID string, fn func(*Record) (bool, error)) (Record, error) {
	if err := ValidateID(taskID); err != nil {
		return Record{}, err
	}
	key := s.key(taskID)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		r, rev, err := s.load(ctx, taskID)
		if err != nil {
			return Record{}, err
		}
		write, err := fn(&r)
		if err != nil || !write {
			return r, err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return Record{}, fmt.Errorf("encode record %s: %w", taskID, err)
		}
		_, err = s.kv.Update(ctx, key, data, rev)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return Record{}, fmt.Errorf("update %s: %w", key, err)
		}
		s.logger.Debug(ctx, "checkpoint revision conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return Record{}, fmt.Errorf("update %s: too many revision conflicts", key)
}

func (s *KVStore) load(ctx context.Context, taskID string) (Record, uint64, error) {
	entry, err := s.kv.Get(ctx, s.key(taskID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, 0, fmt.Errorf("%s/%s: %w", s.opts.BatchID, taskID, ErrTaskNotFound)
	}
	if err != nil {
		return Record{}, 0, fmt.Errorf("get %s: %w", taskID, err)
	}
	var r Record
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return Record{}, 0, fmt.Errorf("decode record %s: %w", taskID, err)
	}
	return r, entry.Revision(), nil
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, taskID string) (Record, error) {
	if err := ValidateID(taskID); err != nil {
		return Record{}, err
	}
	r, _, err := s.load(ctx, taskID)
	return r, err
}

// List implements Store.
func (s *KVStore) List(ctx context.Context) ([]Record, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, s.opts.BatchID+".>")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	prefix := s.opts.BatchID + "."
	var out []Record
	for key := range lister.Keys() {
		r, _, err := s.load(ctx, strings.TrimPrefix(key, prefix))
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

// Snapshot implements Store.
func (s *KVStore) Snapshot(ctx context.Context) (BatchState, error) {
	ctx, span := s.start(ctx, "snapshot", "")
	defer span.End()

	records, err := s.List(ctx)
	if err != nil {
		return BatchState{}, fail(span, err)
	}
	return Summarize(s.opts.BatchID, records), nil
}

// Close implements Store. A connection passed in by the caller through
// NewKVStore is left open.
func (s *KVStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
