// Package manifest loads batch manifests: the batch id, prompt defaults
// and the list of tasks to run. Manifests are YAML (.yaml, .yml) or TOML
// (.toml).
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/llmtask"
)

// maxManifestSize bounds how much Load reads.
const maxManifestSize = 1024 * 1024

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Manifest describes one batch.
type Manifest struct {
	Batch    string   `yaml:"batch" toml:"batch"`
	Defaults Defaults `yaml:"defaults" toml:"defaults"`
	Tasks    []Task   `yaml:"tasks" toml:"tasks"`

	// dir resolves relative input paths.
	dir string
}

// Defaults apply to every task that leaves the field empty.
type Defaults struct {
	Model     string `yaml:"model" toml:"model"`
	MaxTokens int64  `yaml:"max_tokens" toml:"max_tokens"`
	System    string `yaml:"system" toml:"system"`
}

// Task is one unit of work.
type Task struct {
	ID string `yaml:"id" toml:"id"`
	// Kind is a free-form label such as "lld", "triage" or "review".
	Kind   string `yaml:"kind" toml:"kind"`
	Prompt string `yaml:"prompt" toml:"prompt"`
	// Input names a file whose content is appended to the prompt.
	Input     string `yaml:"input" toml:"input"`
	System    string `yaml:"system" toml:"system"`
	Model     string `yaml:"model" toml:"model"`
	MaxTokens int64  `yaml:"max_tokens" toml:"max_tokens"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: unsupported extension %q (want .yaml, .yml or .toml)", ErrInvalid, filepath.Ext(path))
	}
}

// Load reads and validates the manifest at path. A missing batch id
// defaults to the file name without extension.
func Load(path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalid, path, maxManifestSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	if m.Batch == "" {
		m.Batch = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse decodes and validates a manifest. Relative inputs resolve
// against the working directory.
func Parse(data []byte, format Format) (*Manifest, error) {
	m, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	m.dir = "."
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrInvalid, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, fmt.Errorf("%w: toml: %w", ErrInvalid, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalid, undec[0].String())
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	return &m, nil
}

// Validate checks ids and that every task has something to send.
func (m *Manifest) Validate() error {
	if err := checkpoint.ValidateID(m.Batch); err != nil {
		return fmt.Errorf("%w: batch: %w", ErrInvalid, err)
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalid)
	}
	if m.Defaults.MaxTokens < 0 {
		return fmt.Errorf("%w: defaults.max_tokens must not be negative", ErrInvalid)
	}

	seen := make(map[string]int, len(m.Tasks))
	for i, t := range m.Tasks {
		if err := checkpoint.ValidateID(t.ID); err != nil {
			return fmt.Errorf("%w: task %d: %w", ErrInvalid, i, err)
		}
		if prev, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: task %d duplicates id %q of task %d", ErrInvalid, i, t.ID, prev)
		}
		seen[t.ID] = i
		if strings.TrimSpace(t.Prompt) == "" && t.Input == "" {
			return fmt.Errorf("%w: task %q has neither prompt nor input", ErrInvalid, t.ID)
		}
		if t.MaxTokens < 0 {
			return fmt.Errorf("%w: task %q: max_tokens must not be negative", ErrInvalid, t.ID)
		}
		if strings.Contains(t.Input, "..") {
			return fmt.Errorf("%w: task %q: input must not contain '..'", ErrInvalid, t.ID)
		}
	}
	return nil
}

// TaskIDs returns task ids in manifest order.
func (m *Manifest) TaskIDs() []string {
	ids := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Prompts resolves each task to the prompt the LLM unit sends, reading
// input files and applying defaults.
func (m *Manifest) Prompts() (map[string]llmtask.Prompt, error) {
	out := make(map[string]llmtask.Prompt, len(m.Tasks))
	for _, t := range m.Tasks {
		user := strings.TrimSpace(t.Prompt)
		if t.Input != "" {
			path := t.Input
			if !filepath.IsAbs(path) {
				path = filepath.Join(m.dir, path)
			}
			data, err := os.ReadFile(path) // #nosec G304 -- validated above
			if err != nil {
				return nil, fmt.Errorf("task %s: read input: %w", t.ID, err)
			}
			if user != "" {
				user += "\n\n"
			}
			user += string(data)
		}

		p := llmtask.Prompt{
			System:    firstNonEmpty(t.System, m.Defaults.System),
			User:      user,
			Model:     firstNonEmpty(t.Model, m.Defaults.Model),
			MaxTokens: t.MaxTokens,
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = m.Defaults.MaxTokens
		}
		out[t.ID] = p
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
