package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/batchd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "loaded key", Secret("api_key", config.Secret("sk-ant-abcdef123456")))

	logs := tl.All()
	require.Len(t, logs, 1)
	obj, ok := logs[0].Context[0].Interface.(zapcore.ObjectMarshaler)
	require.True(t, ok)

	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, obj.MarshalLogObject(enc))
	assert.Equal(t, "[REDACTED:19]", enc.Fields["api_key"])
}

func TestRedactedString(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "header", RedactedString("authorization", "Bearer abc"))

	tl.AssertField(t, "header", "authorization", "[REDACTED:10]")
}

func TestCredentialRef(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "credential quarantined", CredentialRef("cred-2"))

	tl.AssertField(t, "credential quarantined", "cred_ref", "cred-2")
	tl.AssertNoSecrets(t)
}

func TestRedactingEncoder_EncodeEntry(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(
		zapcore.Entry{Message: "request failed with key sk-ant-api03-XYZXYZXYZ"},
		[]zapcore.Field{
			zap.String("password", "hunter2"),
			zap.String("detail", "Authorization: Bearer tok123"),
			zap.Int("attempt", 2),
		},
	)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "sk-ant-api03")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "tok123")
	assert.Contains(t, out, `"attempt":2`)
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	enc.AddString("token", "abc")
	enc.AddString("model", "claude")
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, nil)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"token":"[REDACTED]"`)
	assert.Contains(t, buf.String(), `"model":"claude"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, RedactionConfig{Enabled: false})
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zapcore.Field{zap.String("password", "x")})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"password":"x"`)
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	_, err := NewRedactingEncoder(base, RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}
