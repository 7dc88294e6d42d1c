package tokens

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// ignoreWindow suppresses watch events caused by the store's own writes.
const ignoreWindow = 500 * time.Millisecond

// FileStore keeps the two lists as newline-delimited files. Every mutation is
// a read-modify-write of both files under an in-process mutex and a
// cross-process flock, and each file is replaced atomically by rename.
type FileStore struct {
	availablePath   string
	unavailablePath string

	mu   sync.Mutex
	lock *flock.Flock

	writeMu   sync.RWMutex
	lastWrite time.Time
}

// NewFileStore opens a store over the two paths, creating them if missing.
func NewFileStore(availablePath, unavailablePath string) (*FileStore, error) {
	for _, p := range []string{availablePath, unavailablePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("create dir for %s: %w", p, err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		f.Close()
	}
	return &FileStore{
		availablePath:   availablePath,
		unavailablePath: unavailablePath,
		lock:            flock.New(availablePath + ".lock"),
	}, nil
}

// withLock runs fn holding both the mutex and the file lock.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire token lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire token lock: not acquired")
	}
	defer func() { _ = s.lock.Unlock() }()

	return fn()
}

func readList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// writeList replaces path atomically.
func writeList(path string, list []string) error {
	var buf bytes.Buffer
	for _, t := range list {
		buf.WriteString(t)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FileStore) read() (available, unavailable []string, err error) {
	if available, err = readList(s.availablePath); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.availablePath, err)
	}
	if unavailable, err = readList(s.unavailablePath); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.unavailablePath, err)
	}
	return available, unavailable, nil
}

func (s *FileStore) noteWrite() {
	s.writeMu.Lock()
	s.lastWrite = time.Now()
	s.writeMu.Unlock()
}

func (s *FileStore) recentlyWritten() bool {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	return time.Since(s.lastWrite) < ignoreWindow
}

// ListAvailable returns available tokens, skipping any also listed as retired.
func (s *FileStore) ListAvailable(ctx context.Context) ([]string, error) {
	var out []string
	err := s.withLock(ctx, func() error {
		available, unavailable, err := s.read()
		if err != nil {
			return err
		}
		out = filterRetired(available, unavailable)
		return nil
	})
	return out, err
}

// ListUnavailable returns the retired tokens.
func (s *FileStore) ListUnavailable(ctx context.Context) ([]string, error) {
	var out []string
	err := s.withLock(ctx, func() error {
		_, unavailable, err := s.read()
		out = unavailable
		return err
	})
	return out, err
}

// MarkUnavailable moves token to the unavailable file. The unavailable file
// is written first so a crash between the two renames leaves the token
// retired rather than lost.
func (s *FileStore) MarkUnavailable(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrEmptyToken
	}
	return s.withLock(ctx, func() error {
		available, unavailable, err := s.read()
		if err != nil {
			return err
		}
		if !contains(unavailable, token) {
			s.noteWrite()
			if err := writeList(s.unavailablePath, append(unavailable, token)); err != nil {
				return fmt.Errorf("write %s: %w", s.unavailablePath, err)
			}
		}
		if contains(available, token) {
			s.noteWrite()
			if err := writeList(s.availablePath, without(available, token)); err != nil {
				return fmt.Errorf("write %s: %w", s.availablePath, err)
			}
		}
		return nil
	})
}

// Append adds token to the available file.
func (s *FileStore) Append(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrEmptyToken
	}
	return s.withLock(ctx, func() error {
		available, unavailable, err := s.read()
		if err != nil {
			return err
		}
		if contains(unavailable, token) {
			return ErrRetired
		}
		if contains(available, token) {
			return nil
		}
		s.noteWrite()
		if err := writeList(s.availablePath, append(available, token)); err != nil {
			return fmt.Errorf("write %s: %w", s.availablePath, err)
		}
		return nil
	})
}

// Watch reports edits made to either file by other writers. Events are
// debounced and the store's own writes are ignored.
func (s *FileStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	targets := map[string]bool{}
	dirs := map[string]bool{}
	for _, p := range []string{s.availablePath, s.unavailablePath} {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Watch parent directories so atomic renames are seen.
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer w.Close()

		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				abs, err := filepath.Abs(ev.Name)
				if err != nil {
					abs = ev.Name
				}
				if !targets[abs] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce.Reset(100 * time.Millisecond)
			case <-debounce.C:
				if s.recentlyWritten() {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close is a no-op; the file lock is only held during mutations.
func (s *FileStore) Close() error {
	return nil
}
