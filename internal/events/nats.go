package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/config"
	"github.com/fyrsmithlabs/batchd/internal/logging"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "batchd"

// StreamName is the JetStream stream that retains published events.
const StreamName = "BATCHD_EVENTS"

// NATS publishes events as core NATS messages.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

var _ Publisher = (*NATS)(nil)

// NewNATS publishes on an existing connection, which the caller closes.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Open returns the publisher configured by cfg: Nop when events are
// disabled, otherwise a NATS publisher owning its own connection.
func Open(cfg config.EventsConfig, logger *logging.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("batchd-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.NATSURL, err)
	}
	p := NewNATS(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// EnsureStream creates the retention stream for prefix if it is missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string) (jetstream.Stream, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxMsgs:  100_000,
		MaxBytes: 256 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s stream: %w", StreamName, err)
	}
	return s, nil
}

// TaskSubject returns the subject a task event is published on.
func (p *NATS) TaskSubject(ev TaskEvent) string {
	return fmt.Sprintf("%s.%s.task.%s", p.prefix, ev.BatchID, ev.Status)
}

// CredentialSubject returns the subject a credential event is published on.
func (p *NATS) CredentialSubject(ev CredentialEvent) string {
	return fmt.Sprintf("%s.%s.credential.%s", p.prefix, ev.BatchID, ev.Kind)
}

// PublishTask implements Publisher.
func (p *NATS) PublishTask(ctx context.Context, ev TaskEvent) error {
	return p.publish(ctx, p.TaskSubject(ev), ev)
}

// PublishCredential implements Publisher.
func (p *NATS) PublishCredential(ctx context.Context, ev CredentialEvent) error {
	return p.publish(ctx, p.CredentialSubject(ev), ev)
}

func (p *NATS) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "event publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *NATS) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}
