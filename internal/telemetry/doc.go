// Package telemetry provides OpenTelemetry tracing and metrics for batchd.
//
// Spans and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. Export is disabled by default; when disabled, Tracer and Meter
// fall back to the global no-op providers so instrumented code needs no
// special casing.
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	coord, err := credential.NewCoordinator(refs, credential.WithMeter(tel.Meter("batchd.credential")))
//
// Tests use NewTestTelemetry, which records spans in memory and exposes a
// manual metric reader:
//
//	tt := telemetry.NewTestTelemetry()
//	...
//	assert.Equal(t, int64(2), tt.Int64Sum(t, "batchd.credential.quarantines"))
package telemetry
