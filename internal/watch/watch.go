// Package watch reports batches of changed source files below a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period that ends a batch of changes.
const DefaultDebounce = 100 * time.Millisecond

// skipDirs are never watched.
var skipDirs = map[string]bool{
	".git":         true,
	".apx":         true,
	"node_modules": true,
	".venv":        true,
	"dist":         true,
	"__pycache__":  true,
}

// Options configures a Watcher.
type Options struct {
	// Extensions limits events to files with these suffixes (".go"). Empty
	// means every file.
	Extensions []string
	Debounce   time.Duration
}

// Watcher wraps a recursive fsnotify watcher.
type Watcher struct {
	root     string
	exts     []string
	debounce time.Duration
	fw       *fsnotify.Watcher
}

// New starts watching root and every non-ignored directory below it.
func New(root string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{root: abs, exts: opts.Extensions, debounce: opts.Debounce, fw: fw}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if err := w.addTree(abs); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error { return w.fw.Close() }

// Ignored reports whether a directory name is excluded from watching.
func Ignored(name string) bool {
	return skipDirs[name] || (strings.HasPrefix(name, ".") && name != "." && name != "..")
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// directories may vanish while walking
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && Ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) match(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err == nil {
		for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
			if part != "." && Ignored(part) {
				return false
			}
		}
	}
	if len(w.exts) == 0 {
		return true
	}
	for _, ext := range w.exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// Next blocks until at least one matching file changed and no further change
// arrived for the debounce period. It returns the sorted set of changed paths.
func (w *Watcher) Next(ctx context.Context) ([]string, error) {
	changed := map[string]bool{}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			return nil, fmt.Errorf("watch %s: %w", w.root, err)
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !Ignored(fi.Name()) {
					_ = w.addTree(ev.Name)
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.match(ev.Name) {
				continue
			}
			changed[ev.Name] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-fire:
			out := make([]string, 0, len(changed))
			for p := range changed {
				out = append(out, p)
			}
			sort.Strings(out)
			return out, nil
		}
	}
}
