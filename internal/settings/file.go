package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileStore keeps settings in a YAML file, for installs where the bus
// settings service is not reachable (for example over MQTT, which cannot
// create settings).
type FileStore struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	values map[Key]float64
}

// NewFileStore loads path, creating it with defaults when it does not exist.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create settings directory: %w", err)
	}
	s := &FileStore{
		path:   path,
		logger: logger,
		values: defaults(),
	}
	err := s.reload()
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.RLock()
		err = s.writeLocked()
		s.mu.RUnlock()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func defaults() map[Key]float64 {
	out := make(map[Key]float64, len(Definitions))
	for _, d := range Definitions {
		out[d.Key] = d.Default
	}
	return out
}

// reload replaces the in-memory values with the file contents. Keys missing
// from the file keep their defaults; unknown keys are ignored. The file is
// read under the lock so a concurrent Set is never overwritten by an older
// copy of the file.
func (s *FileStore) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	values := defaults()
	for name, v := range raw {
		d, ok := Lookup(Key(name))
		if !ok {
			s.logger.Warn("ignoring unknown setting", zap.String("key", name))
			continue
		}
		values[d.Key] = d.Clamp(v)
	}

	s.values = values
	return nil
}

// writeLocked saves the values atomically. Callers hold s.mu.
func (s *FileStore) writeLocked() error {
	raw := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		raw[string(k)] = v
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Get returns the value of k.
func (s *FileStore) Get(_ context.Context, k Key) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[k]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}
	return v, nil
}

// Set stores k and saves the file.
func (s *FileStore) Set(_ context.Context, k Key, v float64) error {
	d, ok := Lookup(k)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[k] = d.Clamp(v)
	return s.writeLocked()
}

// Watch reloads the file whenever it changes on disk until ctx is done.
// onReload, if set, is called after each successful reload.
func (s *FileStore) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory: the file itself is replaced on every save.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		name := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warn("settings reload failed", zap.Error(err))
					continue
				}
				s.logger.Debug("settings reloaded", zap.String("path", s.path))
				if onReload != nil {
					onReload()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("settings watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
