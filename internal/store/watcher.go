package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// FileWatcher observes the document file for edits made outside the
// repository (an operator editing the JSON by hand, a deployment copying a
// new file) and reports each new revision.
type FileWatcher struct {
	repo     *FileRepository
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration
	onChange func(Revision)
}

// NewFileWatcher watches the directory holding repo's document. The
// directory is watched rather than the file because atomic writes replace
// the file's inode.
func NewFileWatcher(repo *FileRepository, logger *zap.Logger, onChange func(Revision)) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(repo.Path())); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWatcher{
		repo:     repo,
		watcher:  fsw,
		logger:   logger,
		debounce: defaultDebounce,
		onChange: onChange,
	}, nil
}

// Run processes file events until ctx is cancelled. Bursts of events are
// coalesced and the file is re-read once per burst.
func (w *FileWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.repo.Path())
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("document watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			rev, changed, err := w.repo.Refresh()
			if err != nil {
				w.logger.Warn("document refresh failed", zap.Error(err))
				continue
			}
			if changed {
				w.logger.Info("document changed on disk", zap.Uint64("revision", uint64(rev)))
				if w.onChange != nil {
					w.onChange(rev)
				}
			}
		}
	}
}
