package security

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kkyr/fig"

	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/logger"
)

// LoadRules reads a rules file (yaml, json or toml):
//
//	domains: [porn, darkweb]
//	extensions: [.exe]
//	schemes: [http, https]
//
// Lists missing from the file get the defaults.
func LoadRules(path string) (*Rules, error) {
	var conf config.Security
	if err := fig.Load(&conf, fig.File(filepath.Base(path)), fig.Dirs(filepath.Dir(path))); err != nil {
		return nil, err
	}
	return NewRules(conf), nil
}

// reloadDelay merges bursts of write events from editors.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the rules file into f whenever it changes until ctx is done.
// A file that fails to load keeps the previous rules.
// Blocking, should be called as goroutine.
func Watch(ctx context.Context, path string, f *Filter, log *logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// the directory is watched since editors often replace the file
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("file", path).Msg("Rules watch has ended")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Rules watcher")
		case <-pending:
			pending = nil
			rules, err := LoadRules(path)
			if err != nil {
				log.Error().Err(err).Str("file", path).Msg("Rules reload failed, keeping the old ones")
				continue
			}
			f.Set(rules)
			log.Info().Str("file", path).
				Int("domains", len(rules.Domains)).
				Int("extensions", len(rules.Extensions)).
				Msg("Rules reloaded")
		}
	}
}
