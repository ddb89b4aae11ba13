package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	logx "botrunner/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the quiet period after the last file event before
// WatchFile calls onChange. Editors often save in several writes.
const DebounceDelay = 250 * time.Millisecond

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// WatchFile calls onChange, debounced, whenever path is written, replaced or
// removed, until ctx ends. The parent directory is watched so rename-over
// saves are seen. A broken watcher is recreated with backoff. onChange runs
// on the watching goroutine, never concurrently with itself.
func WatchFile(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	fw := &fileWatcher{
		dir:      filepath.Dir(path),
		file:     filepath.Base(path),
		log:      log.With(logx.String("path", path)),
		onChange: onChange,
		retry:    watchRetryMin,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for ctx.Err() == nil {
		if err := fw.session(ctx); err != nil {
			wait := fw.backoff()
			fw.log.Warn("file watch interrupted; retrying", logx.Err(err), logx.Duration("in", wait))
			if !sleepCtx(ctx, wait) {
				break
			}
		}
	}
	return nil
}

type fileWatcher struct {
	dir, file string
	log       logx.Logger
	onChange  func()
	retry     time.Duration
	rng       *rand.Rand
}

// session runs one fsnotify watcher until ctx ends (nil) or the watcher
// fails (the error).
func (fw *fileWatcher) session(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(fw.dir); err != nil {
		return err
	}
	fw.retry = watchRetryMin
	fw.log.Debug("file watch started", logx.String("dir", fw.dir))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			fw.onChange()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), fw.file) {
				debounce.Reset(DebounceDelay)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return errors.New("error channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events may be lost; reload once to be safe.
				fw.log.Warn("file watch overflow", logx.Err(err))
				debounce.Reset(DebounceDelay)
			case err != nil:
				fw.log.Warn("file watch error", logx.Err(err))
			}
		}
	}
}

// backoff returns the next jittered retry delay and doubles the base.
func (fw *fileWatcher) backoff() time.Duration {
	d := fw.retry + time.Duration(fw.rng.Int63n(int64(fw.retry/2)+1))
	fw.retry = min(fw.retry*2, watchRetryMax)
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
