package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fyrsmithlabs/batchd/internal/config"
)

// DefaultKVStaleAfter applies to the NATS backend when no stale_after is
// configured. Unlike FileStore there is no lock proving a foreign Running
// record is orphaned.
const DefaultKVStaleAfter = 10 * time.Minute

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CheckpointConfig, opts Options) (Store, error) {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = cfg.StaleAfter
	}

	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(opts)
	case config.BackendFile, "":
		return OpenFileStore(cfg.Dir, opts)
	case config.BackendNATS:
		if opts.StaleAfter == 0 {
			opts.StaleAfter = DefaultKVStaleAfter
		}
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("batchd-checkpoint"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats %s: %w", cfg.NATSURL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		kv, err := OpenBucket(ctx, js, cfg.Bucket)
		if err != nil {
			nc.Close()
			return nil, err
		}
		s, err := NewKVStore(kv, opts)
		if err != nil {
			nc.Close()
			return nil, err
		}
		s.conn = nc
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
