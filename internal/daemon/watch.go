package daemon

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/automatiq/automat/internal/config"
)

// configWatcher reloads the config file while the daemon runs. Only the
// log level applies live; everything else needs a restart and is logged
// as such.
type configWatcher struct {
	daemon  *Daemon
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func newConfigWatcher(d *Daemon) *configWatcher {
	return &configWatcher{
		daemon: d,
		path:   d.config.Path,
		done:   make(chan struct{}),
	}
}

// Start begins watching the config file's directory. Editors replace
// files on save, so watching the file itself would lose the watch.
func (w *configWatcher) Start() error {
	if w.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.run()
	return nil
}

func (w *configWatcher) Stop() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *configWatcher) run() {
	zlog := w.daemon.logger.Zerolog()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(zlog)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *configWatcher) reload(zlog zerolog.Logger) {
	cfg, err := config.Load(w.path)
	if err != nil {
		zlog.Warn().Err(err).Msg("Config reload failed, keeping current configuration")
		return
	}
	if err := cfg.Validate(); err != nil {
		zlog.Warn().Err(err).Msg("Reloaded config invalid, keeping current configuration")
		return
	}

	current := w.daemon.config
	if cfg.Logging.Level != current.Logging.Level {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
			current.Logging.Level = cfg.Logging.Level
			zlog.Info().Str("level", cfg.Logging.Level).Msg("Log level updated")
		}
	}

	if cfg.Gateway != current.Gateway || cfg.EventLog != current.EventLog ||
		cfg.Decision != current.Decision || cfg.Providers != current.Providers {
		zlog.Info().Msg("Config changed in sections that need a restart to apply")
	}
}
