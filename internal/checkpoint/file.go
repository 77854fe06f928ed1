package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	lockFileName = "batch.lock"
	tasksDirName = "tasks"
	recordExt    = ".json"
)

// FileStore keeps one JSON file per task under <dir>/<batch>/tasks/.
//
// Every write goes to a temp file that is fsynced and renamed over the
// record, then the directory is fsynced, so a crash leaves either the old
// or the new record. An exclusive lock on <dir>/<batch>/batch.lock is held
// for the store's lifetime; a second process opening the same batch gets
// ErrBatchLocked.
type FileStore struct {
	base

	root     string
	tasksDir string
	lock     *os.File

	mu     sync.Mutex
	closed bool
}

var _ Store = (*FileStore)(nil)

// OpenFileStore opens or creates the batch directory under dir and takes
// the batch lock.
func OpenFileStore(dir string, opts Options) (*FileStore, error) {
	b, err := newBase(opts, "checkpoint.file")
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}

	root := filepath.Join(dir, b.opts.BatchID)
	tasksDir := filepath.Join(root, tasksDirName)
	if err := os.MkdirAll(tasksDir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	lf, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open batch lock: %w", err)
	}
	if err := lockExclusive(lf); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("lock batch %s: %w", b.opts.BatchID, err)
	}

	s := &FileStore{base: b, root: root, tasksDir: tasksDir, lock: lf}
	s.logger.Debug(context.Background(), "checkpoint store opened",
		zap.String("path", root),
		zap.String("owner", b.opts.Owner),
	)
	return s, nil
}

// Dir returns the batch directory.
func (s *FileStore) Dir() string { return s.root }

// Plan implements Store.
func (s *FileStore) Plan(ctx context.Context, taskIDs []string) error {
	_, span := s.start(ctx, "plan", "")
	defer span.End()

	for _, id := range taskIDs {
		if err := ValidateID(id); err != nil {
			return fail(span, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fail(span, ErrClosed)
	}

	for _, id := range taskIDs {
		_, err := os.Stat(s.path(id))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fail(span, fmt.Errorf("stat %s: %w", id, err))
		}
		if err := s.write(s.newRecord(id)); err != nil {
			return fail(span, err)
		}
	}
	return nil
}

// Claim implements Store.
func (s *FileStore) Claim(ctx context.Context, taskID string) (bool, error) {
	ctx, span := s.start(ctx, "claim", taskID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.readLocked(taskID)
	if err != nil {
		return false, fail(span, err)
	}
	if !s.claim(ctx, &r) {
		return false, nil
	}
	if err := s.write(r); err != nil {
		return false, fail(span, err)
	}
	return true, nil
}

// Complete implements Store.
func (s *FileStore) Complete(ctx context.Context, taskID string, res Result) (Record, error) {
	_, span := s.start(ctx, "complete", taskID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.readLocked(taskID)
	if err != nil {
		return Record{}, fail(span, err)
	}
	if err := s.complete(&r, res); err != nil {
		return Record{}, fail(span, err)
	}
	if err := s.write(r); err != nil {
		return Record{}, fail(span, err)
	}
	return r, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, taskID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(taskID)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		r, err := s.read(strings.TrimSuffix(name, recordExt))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

// Snapshot implements Store.
func (s *FileStore) Snapshot(ctx context.Context) (BatchState, error) {
	_, span := s.start(ctx, "snapshot", "")
	defer span.End()

	records, err := s.List(ctx)
	if err != nil {
		return BatchState{}, fail(span, err)
	}
	return Summarize(s.opts.BatchID, records), nil
}

// Close releases the batch lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(unlock(s.lock), s.lock.Close())
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.tasksDir, taskID+recordExt)
}

func (s *FileStore) readLocked(taskID string) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}
	if err := ValidateID(taskID); err != nil {
		return Record{}, err
	}
	return s.read(taskID)
}

func (s *FileStore) read(taskID string) (Record, error) {
	data, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%s/%s: %w", s.opts.BatchID, taskID, ErrTaskNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record %s: %w", taskID, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", taskID, err)
	}
	return r, nil
}

// write replaces the record file atomically.
func (s *FileStore) write(r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.TaskID, err)
	}

	tmp, err := os.CreateTemp(s.tasksDir, "."+r.TaskID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		return cleanup(fmt.Errorf("write record %s: %w", r.TaskID, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync record %s: %w", r.TaskID, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record %s: %w", r.TaskID, err)
	}
	if err := os.Rename(tmpName, s.path(r.TaskID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit record %s: %w", r.TaskID, err)
	}
	return syncDir(s.tasksDir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer d.Close()
	// Directories cannot be fsynced on every platform; the rename has
	// already happened.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
