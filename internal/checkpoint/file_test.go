package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/batchd/internal/logging"
	"github.com/fyrsmithlabs/batchd/internal/telemetry"
)

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts Options) Store {
		s, err := OpenFileStore(t.TempDir(), opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFileStore_Layout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenFileStore(dir, Options{BatchID: "lld", Owner: "proc-1"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Plan(ctx, []string{"t1"}))
	ok, err := s.Claim(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, filepath.Join(dir, "lld"), s.Dir())
	assert.FileExists(t, filepath.Join(dir, "lld", "batch.lock"))

	data, err := os.ReadFile(filepath.Join(dir, "lld", "tasks", "t1.json"))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "lld", raw["batch_id"])
	assert.Equal(t, "t1", raw["task_id"])
	assert.Equal(t, "running", raw["status"])
	assert.Equal(t, "proc-1", raw["owner"])
	assert.Contains(t, raw, "updated_at")
	assert.NotContains(t, raw, "finished_at")

	entries, err := os.ReadDir(filepath.Join(dir, "lld", "tasks"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStore_LockExcludesSecondOpener(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir, Options{BatchID: "b"})
	require.NoError(t, err)

	_, err = OpenFileStore(dir, Options{BatchID: "b"})
	assert.ErrorIs(t, err, ErrBatchLocked)

	other, err := OpenFileStore(dir, Options{BatchID: "other"})
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	again, err := OpenFileStore(dir, Options{BatchID: "b"})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestFileStore_ResumeReclaimsOrphans(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tl := logging.NewTestLogger()

	first, err := OpenFileStore(dir, Options{BatchID: "b", Owner: "crashed"})
	require.NoError(t, err)
	require.NoError(t, first.Plan(ctx, []string{"done", "inflight", "todo"}))
	ok, _ := first.Claim(ctx, "done")
	require.True(t, ok)
	_, err = first.Complete(ctx, "done", Result{OK: true, ResultRef: "r"})
	require.NoError(t, err)
	ok, _ = first.Claim(ctx, "inflight")
	require.True(t, ok)
	// Simulate a crash: the lock goes away with the process.
	require.NoError(t, first.Close())

	second, err := OpenFileStore(dir, Options{BatchID: "b", Owner: "restarted", Logger: tl.Logger})
	require.NoError(t, err)
	defer second.Close()

	st, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Succeeded)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 1, st.Pending)

	ok, err = second.Claim(ctx, "done")
	require.NoError(t, err)
	assert.False(t, ok, "succeeded tasks are never re-run")

	ok, err = second.Claim(ctx, "inflight")
	require.NoError(t, err)
	assert.True(t, ok, "orphaned running task is reclaimed")
	tl.AssertLogged(t, zapcore.WarnLevel, "reclaiming stale task")

	ok, err = second.Claim(ctx, "todo")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_StaleAfter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	first, err := OpenFileStore(dir, Options{BatchID: "b", Owner: "a", Now: clock})
	require.NoError(t, err)
	require.NoError(t, first.Plan(ctx, []string{"t"}))
	ok, _ := first.Claim(ctx, "t")
	require.True(t, ok)
	require.NoError(t, first.Close())

	second, err := OpenFileStore(dir, Options{BatchID: "b", Owner: "b", Now: clock, StaleAfter: time.Minute})
	require.NoError(t, err)
	defer second.Close()

	now = now.Add(59 * time.Second)
	ok, err = second.Claim(ctx, "t")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, err = second.Claim(ctx, "t")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenFileStore(dir, Options{BatchID: "b"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "tasks", "bad.json"), []byte("{"), 0o600))
	_, err = s.Get(ctx, "bad")
	assert.ErrorContains(t, err, "decode record bad")
}

func TestFileStore_Spans(t *testing.T) {
	ctx := context.Background()
	tt := telemetry.NewTestTelemetry()
	s, err := OpenFileStore(t.TempDir(), Options{BatchID: "b", Tracer: tt.Tracer("test")})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Plan(ctx, []string{"t"}))
	_, err = s.Claim(ctx, "t")
	require.NoError(t, err)

	tt.AssertSpanExists(t, "checkpoint.plan")
	tt.AssertSpanAttribute(t, "checkpoint.claim", "task.id", "t")
	tt.AssertSpanAttribute(t, "checkpoint.claim", "batch.id", "b")
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, configFor("memory", ""), Options{BatchID: "b"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, configFor("file", t.TempDir()), Options{BatchID: "b"})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, configFor("s3", ""), Options{BatchID: "b"})
	assert.ErrorContains(t, err, "unknown checkpoint backend")
}
