package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/horizonfpv/stereocam/pkg/logger"
)

const fileName = "config.yaml"

// Watcher reloads the config file of a directory whenever it changes.
// Reloaded values are meant for the next session open,
// the running sessions keep what they were opened with.
type Watcher struct {
	w    *fsnotify.Watcher
	dir  string
	done chan struct{}
	log  *logger.Logger
}

func Watch(dir string, onChange func(Config), log *logger.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	cw := &Watcher{w: w, dir: dir, done: make(chan struct{}), log: log}
	go cw.run(onChange)
	return cw, nil
}

func (cw *Watcher) run(onChange func(Config)) {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			var conf Config
			if err := LoadConfig(&conf, cw.dir); err != nil {
				cw.log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			if err := conf.expandSpecialTags(); err != nil {
				cw.log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			if err := conf.Validate(); err != nil {
				cw.log.Warn().Err(err).Msg("reloaded config is invalid, skipped")
				continue
			}
			cw.log.Info().Msg("config has been reloaded")
			onChange(conf)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.log.Error().Err(err).Msg("config watch error")
		}
	}
}

func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
