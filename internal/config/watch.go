package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reports changes to the given profile files. Their parent
// directories are watched so that editors which replace a file by rename
// are still observed. The watcher stops when ctx is cancelled.
func Watch(ctx context.Context, files []string, onChange func(path string), log zerolog.Logger) error {
	if len(files) == 0 || onChange == nil {
		return nil
	}
	watched := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{})
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if path, changed := relevantEvent(event, watched); changed {
					log.Info().Str("path", path).Str("op", event.Op.String()).Msg("config file changed")
					onChange(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

func relevantEvent(event fsnotify.Event, watched map[string]struct{}) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return "", false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return "", false
	}
	if _, ok := watched[abs]; !ok {
		return "", false
	}
	return abs, true
}
