// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// ErrSettingsMalformed is returned by Reload when the settings file could
// not be read, parsed or validated. The previous settings stay in effect.
var ErrSettingsMalformed = errors.New("config: settings file malformed")

// WatchInterval says how often the watch loop polls the settings file for
// a modification-time change.
var WatchInterval = time.Second

// Listener receives every non-empty change record produced by a reload.
// Listeners run synchronously on the watch goroutine; a slow listener
// delays the next poll.
type Listener func(Changes)

// Store owns the runtime settings: it loads them from a YAML file, watches
// the file for changes and notifies listeners of every reload that changed
// at least one field.
type Store struct {
	ctx  log.Interface
	path string

	mu        sync.RWMutex
	current   *Settings
	listeners []Listener

	reloadMu sync.Mutex
	watching bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewStore returns a store serving the given defaults until the settings
// file at path is first read.
func NewStore(path string, defaults *Settings, ctx log.Interface) *Store {
	if defaults == nil {
		defaults = DefaultSettings()
	}
	return &Store{
		ctx:     ctx.WithField("Component", "Settings"),
		path:    path,
		current: defaults,
		done:    make(chan struct{}),
	}
}

// Settings returns a snapshot of the current settings. The returned record
// is replaced, never mutated, so callers may hold on to it.
func (s *Store) Settings() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a listener. Listeners are invoked in registration
// order.
func (s *Store) OnChange(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Reload parses the whole settings file and applies all changed fields
// atomically. On any read, parse or validation failure it returns an error
// and the current settings are left untouched. An empty change record with
// a nil error means the file parsed fine but nothing changed.
func (s *Store) Reload() (Changes, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	contents, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSettingsMalformed, s.path, err)
	}
	old := s.Settings()
	next := *old
	if err := yaml.Unmarshal(contents, &next); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSettingsMalformed, s.path, err)
	}
	if err := next.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSettingsMalformed, s.path, err)
	}
	changes := diff(old, &next)
	if len(changes) == 0 {
		return changes, nil
	}
	s.mu.Lock()
	s.current = &next
	s.mu.Unlock()
	return changes, nil
}

// Watch starts the background watch loop. The loop polls the file's
// modification time every WatchInterval and additionally reacts to write
// events from the filesystem watcher; both paths funnel into the same
// serialized reload, so reloads never overlap. Calling Watch again while
// the loop is running has no effect.
func (s *Store) Watch() error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	s.watching = true
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(s.path); err != nil {
			// Fall back to polling only, the file may not exist yet.
			watcher.Close()
			watcher = nil
		}
	} else {
		s.ctx.WithError(err).Warn("Could not create filesystem watcher, polling only")
		watcher = nil
	}

	if _, err := os.Stat(s.path); err == nil {
		s.reloadAndNotify()
	}

	s.wg.Add(1)
	go s.watch(watcher)
	return nil
}

func (s *Store) watch(watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	if watcher != nil {
		defer watcher.Close()
	}

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	var lastMod time.Time
	if info, err := os.Stat(s.path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			s.reloadAndNotify()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if info, err := os.Stat(s.path); err == nil {
				lastMod = info.ModTime()
			}
			s.reloadAndNotify()
		}
	}
}

// reloadAndNotify distinguishes the three reload outcomes in the logs: a
// parse failure, a no-op reload and an effective change.
func (s *Store) reloadAndNotify() {
	changes, err := s.Reload()
	if err != nil {
		s.ctx.WithError(err).Warn("Could not reload settings")
		return
	}
	if len(changes) == 0 {
		s.ctx.Debug("Settings reloaded: no changes")
		return
	}
	s.ctx.Infof("Settings reloaded: %s", changes)
	s.notify(changes)
}

func (s *Store) notify(changes Changes) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener(changes)
	}
}

// Stop cancels the watch loop and waits for it to exit. An in-flight
// reload completes before Stop returns.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.watching {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
