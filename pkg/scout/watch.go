package scout

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs continuous discovery: after an initial full scan of
// rootPath, filesystem notifications trigger targeted rescans of the
// changed subtrees. Events are debounced so a burst of writes to one
// directory produces one rescan.
func (s *Scout) Watch(ctx context.Context, rootPath string, manualPlugins []string) error {
	if _, err := s.Scan(ctx, rootPath, manualPlugins); err != nil {
		return err
	}

	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	filter := NewPathFilter(s.cfg.IgnoreRules)
	if err := s.addWatches(watcher, absRoot, filter); err != nil {
		return err
	}

	const debounce = 500 * time.Millisecond
	dirty := make(map[string]bool)
	var timer *time.Timer
	var timerCh <-chan time.Time // nil until the first event

	s.logger.Info().Str("root", absRoot).Msg("Watch started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			dir := filepath.Dir(ev.Name)
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				dir = ev.Name
				rel, _ := filepath.Rel(absRoot, dir)
				if !filter.SkipDir(filepath.ToSlash(rel), filepath.Base(dir)) {
					_ = s.addWatches(watcher, dir, filter)
				}
			}
			dirty[dir] = true
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			for dir := range dirty {
				if _, err := s.Scan(ctx, dir, manualPlugins); err != nil {
					s.logger.Warn().Err(err).Str("dir", dir).Msg("Rescan failed")
				}
			}
			dirty = make(map[string]bool)
			timerCh = nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// addWatches registers dir and all its unfiltered subdirectories
func (s *Scout) addWatches(watcher *fsnotify.Watcher, root string, filter *PathFilter) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && filter.SkipDir(filepath.ToSlash(rel), d.Name()) {
			return filepath.SkipDir
		}
		_ = watcher.Add(path)
		return nil
	})
}
