package llmtask

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/batchd/internal/batch"
	"github.com/fyrsmithlabs/batchd/internal/config"
	"github.com/fyrsmithlabs/batchd/internal/credential"
	"github.com/fyrsmithlabs/batchd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/batchd/internal/llmtask"

// Defaults applied when Config leaves a field empty.
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = int64(4096)
	DefaultTimeout   = 5 * time.Minute
)

// ErrUnknownTask is returned by Factory.Unit for ids without a prompt.
var ErrUnknownTask = errors.New("no prompt for task")

// Keyring resolves credential refs to secrets.
type Keyring interface {
	Refs() []credential.Ref
	Secret(ref credential.Ref) (config.Secret, error)
}

// Prompt is what one task sends. Empty Model and MaxTokens fall back to
// the factory's configuration.
type Prompt struct {
	System    string
	User      string
	Model     string
	MaxTokens int64
}

// Config configures a Factory.
type Config struct {
	Model     string
	MaxTokens int64
	BaseURL   string
	// RequestsPerSecond paces calls across all credentials. Zero means
	// unlimited.
	RequestsPerSecond float64
	// ResultsDir receives one <task>.md file per successful task.
	ResultsDir string
	// Timeout bounds a single API request.
	Timeout time.Duration
}

// ConfigFrom converts the llm configuration section.
func ConfigFrom(c config.LLMConfig) Config {
	return Config{
		Model:             c.Model,
		MaxTokens:         c.MaxTokens,
		BaseURL:           c.BaseURL,
		RequestsPerSecond: c.RequestsPerSecond,
		ResultsDir:        c.ResultsDir,
	}
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(f *Factory) {
		if t != nil {
			f.tracer = t
		}
	}
}

// WithMeter sets the meter for token usage metrics.
func WithMeter(m metric.Meter) Option {
	return func(f *Factory) {
		if m != nil {
			f.meter = m
		}
	}
}

// WithClientOptions appends request options to every per-credential
// client, after the factory's own.
func WithClientOptions(opts ...option.RequestOption) Option {
	return func(f *Factory) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// Factory builds LLM task units. It implements batch.Factory.
type Factory struct {
	cfg        Config
	prompts    map[string]Prompt
	clients    map[credential.Ref]anthropic.Client
	limiter    *rate.Limiter
	clientOpts []option.RequestOption
	logger     *logging.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

var _ batch.Factory = (*Factory)(nil)

// New creates a Factory with one API client per credential in keys.
func New(keys Keyring, prompts map[string]Prompt, cfg Config, opts ...Option) (*Factory, error) {
	if keys == nil {
		return nil, errors.New("keyring is required")
	}
	if cfg.ResultsDir == "" {
		return nil, errors.New("results dir is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	f := &Factory{
		cfg:     cfg,
		prompts: prompts,
		clients: make(map[credential.Ref]anthropic.Client),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("llmtask")

	for _, ref := range keys.Refs() {
		secret, err := keys.Secret(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		reqOpts := []option.RequestOption{
			option.WithAPIKey(secret.Value()),
			// Retries belong to the credential coordinator.
			option.WithMaxRetries(0),
			option.WithRequestTimeout(cfg.Timeout),
		}
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
		}
		f.clients[ref] = anthropic.NewClient(append(reqOpts, f.clientOpts...)...)
	}

	var err error
	f.inputTokens, err = f.meter.Int64Counter("batchd.llm.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		f.logger.Warn(context.Background(), "failed to create input token counter", zap.Error(err))
	}
	f.outputTokens, err = f.meter.Int64Counter("batchd.llm.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		f.logger.Warn(context.Background(), "failed to create output token counter", zap.Error(err))
	}
	return f, nil
}

// Unit returns the unit for taskID.
func (f *Factory) Unit(taskID string) (batch.Unit, error) {
	p, ok := f.prompts[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if p.Model == "" {
		p.Model = f.cfg.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = f.cfg.MaxTokens
	}
	return &unit{f: f, taskID: taskID, prompt: p}, nil
}

// ResultPath returns where the response for taskID is written.
func (f *Factory) ResultPath(taskID string) string {
	return filepath.Join(f.cfg.ResultsDir, taskID+".md")
}

type unit struct {
	f      *Factory
	taskID string
	prompt Prompt
}

func (u *unit) Run(ctx context.Context, a batch.Attempt) batch.Report {
	f := u.f
	ctx, span := f.tracer.Start(ctx, "anthropic.messages.new", trace.WithAttributes(
		attribute.String("task.id", a.TaskID),
		attribute.String("cred_ref", string(a.Credential)),
		attribute.String("llm.model", u.prompt.Model),
	))
	defer span.End()

	client, ok := f.clients[a.Credential]
	if !ok {
		return fail(span, credential.OutcomeHardFailure, fmt.Errorf("%w: %s", credential.ErrUnknownCredential, a.Credential))
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return fail(span, credential.OutcomeTaskFailed, fmt.Errorf("rate limiter: %w", err))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(u.prompt.Model),
		MaxTokens: u.prompt.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(u.prompt.User)),
		},
	}
	if u.prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: u.prompt.System}}
	}

	start := time.Now()
	msg, err := client.Messages.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		outcome := Classify(err)
		f.logger.Debug(ctx, "api call failed",
			logging.CredentialRef(string(a.Credential)),
			zap.Stringer("outcome", outcome),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return fail(span, outcome, fmt.Errorf("messages.new: %w", err))
	}

	modelAttr := metric.WithAttributes(attribute.String("llm.model", u.prompt.Model))
	if f.inputTokens != nil {
		f.inputTokens.Add(ctx, msg.Usage.InputTokens, modelAttr)
	}
	if f.outputTokens != nil {
		f.outputTokens.Add(ctx, msg.Usage.OutputTokens, modelAttr)
	}
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", msg.Usage.OutputTokens),
	)

	text := responseText(msg)
	if text == "" {
		return fail(span, credential.OutcomeTaskFailed, errors.New("response has no text content"))
	}

	path := f.ResultPath(u.taskID)
	if err := writeResult(path, text); err != nil {
		return fail(span, credential.OutcomeTaskFailed, err)
	}
	return batch.Report{Outcome: credential.OutcomeSuccess, ResultRef: path}
}

func responseText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// writeResult replaces path atomically so a crash never leaves a partial
// report behind.
func writeResult(path, text string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".result-*")
	if err != nil {
		return fmt.Errorf("create temp result: %w", err)
	}
	defer os.Remove(tmp.Name())

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close result: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod result: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename result: %w", err)
	}
	return nil
}

func fail(span trace.Span, outcome credential.Outcome, err error) batch.Report {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return batch.Report{Outcome: outcome, Err: err}
}
