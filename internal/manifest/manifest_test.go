package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlManifest = `
batch: sprint-42
defaults:
  model: claude-sonnet-4-5
  max_tokens: 2048
  system: You are a senior engineer.
tasks:
  - id: lld-auth
    kind: lld
    prompt: Draft the low-level design.
    input: issues/auth.md
  - id: triage-17
    kind: triage
    prompt: Triage issue 17.
    model: claude-haiku-4-5
    max_tokens: 512
`

const tomlManifest = `
batch = "sprint-42"

[defaults]
model = "claude-sonnet-4-5"
max_tokens = 2048

[[tasks]]
id = "review-9"
kind = "review"
prompt = "Review PR 9."
system = "Be strict."
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "issues/auth.md", "Users log in with OAuth.")
	path := writeFile(t, dir, "batch.yaml", yamlManifest)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sprint-42", m.Batch)
	assert.Equal(t, []string{"lld-auth", "triage-17"}, m.TaskIDs())

	prompts, err := m.Prompts()
	require.NoError(t, err)

	lld := prompts["lld-auth"]
	assert.Equal(t, "Draft the low-level design.\n\nUsers log in with OAuth.", lld.User)
	assert.Equal(t, "You are a senior engineer.", lld.System)
	assert.Equal(t, "claude-sonnet-4-5", lld.Model)
	assert.Equal(t, int64(2048), lld.MaxTokens)

	triage := prompts["triage-17"]
	assert.Equal(t, "claude-haiku-4-5", triage.Model)
	assert.Equal(t, int64(512), triage.MaxTokens)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "review.toml", tomlManifest)

	m, err := Load(path)
	require.NoError(t, err)
	prompts, err := m.Prompts()
	require.NoError(t, err)

	p := prompts["review-9"]
	assert.Equal(t, "Review PR 9.", p.User)
	assert.Equal(t, "Be strict.", p.System)
	assert.Equal(t, int64(2048), p.MaxTokens)
}

func TestLoad_BatchIDFromFileName(t *testing.T) {
	path := writeFile(t, t.TempDir(), "nightly_triage.yml", "tasks:\n  - id: a\n    prompt: go\n")

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly_triage", m.Batch)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(writeFile(t, dir, "m.json", "{}"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	big := make([]byte, maxManifestSize+1)
	_, err = Load(writeFile(t, dir, "big.yaml", string(big)))
	assert.ErrorIs(t, err, ErrInvalid)

	m, err := Load(writeFile(t, dir, "in.yaml", "tasks:\n  - id: a\n    input: nope.md\n"))
	require.NoError(t, err)
	_, err = m.Prompts()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		data    string
		wantErr string
	}{
		{"no tasks", FormatYAML, "batch: b\ntasks: []\n", "no tasks"},
		{"bad batch id", FormatYAML, "batch: a.b\ntasks:\n  - id: t\n    prompt: x\n", "batch"},
		{"bad task id", FormatYAML, "batch: b\ntasks:\n  - id: ../t\n    prompt: x\n", "task 0"},
		{"duplicate", FormatYAML, "batch: b\ntasks:\n  - id: t\n    prompt: x\n  - id: t\n    prompt: y\n", "duplicates"},
		{"empty prompt", FormatYAML, "batch: b\ntasks:\n  - id: t\n    prompt: '  '\n", "neither prompt nor input"},
		{"traversal", FormatYAML, "batch: b\ntasks:\n  - id: t\n    input: ../secret\n", "must not contain"},
		{"negative tokens", FormatYAML, "batch: b\ntasks:\n  - id: t\n    prompt: x\n    max_tokens: -1\n", "max_tokens"},
		{"unknown yaml key", FormatYAML, "batch: b\nworkers: 3\ntasks:\n  - id: t\n    prompt: x\n", "yaml"},
		{"unknown toml key", FormatTOML, "batch = \"b\"\nworkers = 3\n[[tasks]]\nid = \"t\"\nprompt = \"x\"\n", "unknown key"},
		{"bad toml", FormatTOML, "batch = ", "toml"},
		{"unknown format", Format("ini"), "", "unknown format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{"a.yaml": FormatYAML, "a.YML": FormatYAML, "a.toml": FormatTOML} {
		got, err := FormatOf(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := FormatOf("a.txt")
	assert.ErrorIs(t, err, ErrInvalid)
}
