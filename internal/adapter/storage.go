// Copyright 2025 The mcpdesk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces rapid editor write bursts into one notification.
const watchDebounce = 200 * time.Millisecond

// FileStorageAdapter stores blobs and configuration documents under a base
// directory. Blobs go to <base>/state, documents to <base> itself.
type FileStorageAdapter struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.Mutex
	watchers []*fsnotify.Watcher
}

// NewFileStorageAdapter creates a storage adapter rooted at baseDir, which
// is created if missing.
func NewFileStorageAdapter(baseDir string, logger *slog.Logger) (*FileStorageAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "state"), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStorageAdapter{baseDir: baseDir, logger: logger}, nil
}

func (s *FileStorageAdapter) blobPath(key string) string {
	// Keys are caller-controlled ids; flatten path separators defensively.
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.baseDir, "state", safe+".json")
}

func (s *FileStorageAdapter) configPath(name string) string {
	return filepath.Join(s.baseDir, name)
}

// Read implements StorageAdapter.
func (s *FileStorageAdapter) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %q: %w", key, ErrNotFound)
	}
	return data, err
}

// Write implements StorageAdapter.
func (s *FileStorageAdapter) Write(key string, data []byte) error {
	return os.WriteFile(s.blobPath(key), data, 0o600)
}

// Delete implements StorageAdapter.
func (s *FileStorageAdapter) Delete(key string) error {
	err := os.Remove(s.blobPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadConfig implements StorageAdapter.
func (s *FileStorageAdapter) ReadConfig(name string) ([]byte, error) {
	data, err := os.ReadFile(s.configPath(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %q: %w", name, ErrNotFound)
	}
	return data, err
}

// WriteConfig implements StorageAdapter. The write is atomic: the document
// is written to a temp file in the same directory and renamed into place, so
// concurrent readers never observe a partial document.
func (s *FileStorageAdapter) WriteConfig(name string, data []byte) error {
	path := s.configPath(name)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WatchConfig implements StorageAdapter. The directory is watched rather
// than the file itself because atomic renames replace the inode.
func (s *FileStorageAdapter) WatchConfig(name string, fn func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path := s.configPath(name)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, watcher)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(watchDebounce, fn)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("config watcher error", "config", name, "error", err)
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}
	return stop, nil
}

// Close stops all active watches.
func (s *FileStorageAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		w.Close()
	}
	s.watchers = nil
	return nil
}
