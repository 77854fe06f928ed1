// Package logging provides structured logging for batchd.
//
// Logger wraps Zap with context-aware methods. Every call pulls
// correlation fields out of the context: trace and span ids, batch id,
// task id and the scheduler slot executing the task.
//
//	ctx = logging.WithBatchID(ctx, "nightly")
//	ctx = logging.WithTaskID(ctx, "task-0042")
//	logger.Info(ctx, "task completed", logging.CredentialRef(ref))
//
// Console output is JSON (or colored console text) on stderr. When an
// OpenTelemetry LoggerProvider is supplied, entries are also bridged
// through otelzap.
//
// # Secret Redaction
//
// API keys must never reach a log sink. Credentials are identified by
// ref only (see CredentialRef). As a second layer the encoder drops
// values of sensitive field names and masks anything that looks like a
// bearer token or provider key.
//
// # Sampling
//
// Below Error, entries are sampled per tick (first N, then every Mth).
// Errors are never sampled. Sampling is switched off at debug level.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	svc := New(..., tl.Logger)
//	tl.AssertLogged(t, zapcore.WarnLevel, "credential quarantined")
//	tl.AssertNoSecrets(t)
package logging
