// Copyright 2025 Tom Barlow
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

package manifest

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rewindworks/rewind/internal/log"
)

// debounceWindow coalesces the write bursts editors and bundlers produce
// when rewriting the manifest.
const debounceWindow = 200 * time.Millisecond

// Watcher hot-reloads a manifest file into a Store.
type Watcher struct {
	path   string
	store  *Store
	fsw    *fsnotify.Watcher
	logger *slog.Logger
}

// NewWatcher creates a watcher for the manifest at path, feeding store.
// The parent directory is watched so atomic rename-into-place updates are
// seen.
func NewWatcher(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   absPath,
		store:  store,
		fsw:    fsw,
		logger: log.WithComponent(logger, "manifest"),
	}, nil
}

// Run watches until ctx is done, reloading the store on each settled
// change. Invalid manifests are logged and skipped; the last good manifest
// stays active.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(debounceWindow)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", log.Error(err))

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		w.logger.Warn("manifest reload rejected, keeping previous",
			log.String("path", w.path),
			log.Error(err))
		return
	}
	w.store.Swap(m)
	w.logger.Info("manifest reloaded",
		log.String("path", w.path),
		log.String("version", m.Version))
}
