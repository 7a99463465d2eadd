package config

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/utils"
)

// A Watcher delivers the config file each time it changes on disk. Edits that do not parse or
// validate are logged and skipped.
type Watcher struct {
	path    string
	logger  logging.Logger
	fsw     *fsnotify.Watcher
	configs chan *Config
	workers utils.StoppableWorkers
	last    []byte
}

// NewWatcher starts watching the file at path. The directory is watched rather than the file so
// editors that save by rename are followed.
func NewWatcher(path string, logger logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "watching %s", filepath.Dir(abs)), fsw.Close())
	}
	last, err := envsubst.ReadFile(abs)
	if err != nil {
		last = nil
	}
	w := &Watcher{
		path:    abs,
		logger:  logger,
		fsw:     fsw,
		configs: make(chan *Config),
		last:    last,
	}
	w.workers = utils.NewStoppableWorkers(w.watch)
	return w, nil
}

// Config returns the channel new configs are delivered on.
func (w *Watcher) Config() <-chan *Config {
	return w.configs
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg := w.reload()
			if cfg == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case w.configs <- cfg:
			}
		}
	}
}

// reload returns the new config, or nil when the file is unchanged or invalid.
func (w *Watcher) reload() *Config {
	buf, err := envsubst.ReadFile(w.path)
	if err != nil {
		w.logger.Debugw("config file not readable", "path", w.path, "error", err)
		return nil
	}
	if bytes.Equal(buf, w.last) {
		return nil
	}
	cfg, err := FromReader(w.path, bytes.NewReader(buf))
	if err != nil {
		w.logger.Errorw("ignoring invalid config", "path", w.path, "error", err)
		return nil
	}
	w.last = buf
	w.logger.Infow("config changed", "path", w.path)
	return cfg
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.workers.Stop()
	return w.fsw.Close()
}
