package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces the burst of events one editor save produces.
const reloadDebounce = 100 * time.Millisecond

// OnReload is called after a successful hot-reload. Health tunables and
// routing settings are read per request, so callbacks only rebuild what is
// built once (log level, provider registry, price cards).
type OnReload func(prev, next *Config)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	logger zerolog.Logger

	mu        sync.Mutex
	callbacks []OnReload
	digest    [sha256.Size]byte

	done    chan struct{}
	stopped chan struct{}
}

// Watch follows filePath. An edit that fails to load or validate is logged
// and the previous config stays in force. The parent directory is watched so
// atomic saves (write temp file, rename) are seen.
func Watch(filePath string, logger zerolog.Logger) (*Watcher, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config: watch: empty path")
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		fsw:     fsw,
		path:    abs,
		logger:  logger.With().Str("component", "config_watcher").Logger(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	w.digest, _ = fileDigest(abs)
	go w.loop()
	return w, nil
}

// OnChange registers fn for every applied reload.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	<-w.stopped
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				debounce.Reset(reloadDebounce)
			}
		case <-debounce.C:
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// reload loads the file and notifies callbacks. Events that leave the
// content unchanged are ignored.
func (w *Watcher) reload() {
	digest, err := fileDigest(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("config file unreadable, keeping previous config")
		return
	}
	w.mu.Lock()
	unchanged := bytes.Equal(digest[:], w.digest[:])
	w.mu.Unlock()
	if unchanged {
		return
	}

	prev := Get()
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("reload failed, keeping previous config")
		return
	}

	w.mu.Lock()
	w.digest = digest
	cbs := append([]OnReload(nil), w.callbacks...)
	w.mu.Unlock()

	w.logger.Info().Str("path", w.path).Msg("config reloaded")
	for _, cb := range cbs {
		w.notify(cb, prev, next)
	}
}

func (w *Watcher) notify(cb OnReload, prev, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("reload callback panicked")
		}
	}()
	cb(prev, next)
}

func fileDigest(path string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
