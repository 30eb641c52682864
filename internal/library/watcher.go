package library

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"teddybox/internal/content"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long a file must stay quiet before it is catalogued
const DefaultSettle = 500 * time.Millisecond

// Watcher keeps the catalogue in sync with the content directory
type Watcher struct {
	lib     *Library
	dir     string
	settle  time.Duration
	watcher *fsnotify.Watcher
	logger  *logrus.Entry

	mutex   sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches root/CONTENT, creating it when missing
func NewWatcher(lib *Library, root string, settle time.Duration, logger *logrus.Logger) (*Watcher, error) {
	dir := filepath.Join(root, content.ContentDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		lib:     lib,
		dir:     dir,
		settle:  settle,
		watcher: fw,
		logger:  logger.WithField("component", "watcher"),
		pending: make(map[string]*time.Timer),
	}
	if err := w.addDirectory(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addDirectory recursively adds dir and its subdirectories
func (w *Watcher) addDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Run dispatches file events until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	w.logger.WithField("content_dir", w.dir).Info("File watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.cancel(event.Name)
		if err := w.lib.RemoveFile(event.Name); err != nil && !errors.Is(err, content.ErrInvalidPath) {
			w.logger.WithError(err).WithField("file_path", event.Name).Error("Error removing asset")
		}

	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addDirectory(event.Name); err != nil {
				w.logger.WithError(err).WithField("directory", event.Name).Warn("Could not watch directory")
				return
			}
			w.logger.WithField("directory", event.Name).Info("Watching new directory")
			w.catalogueExisting(event.Name)
			return
		}
		w.schedule(event.Name)
	}
}

// catalogueExisting schedules files that appeared in a new directory before
// it was watched
func (w *Watcher) catalogueExisting(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			w.schedule(path)
		}
		return nil
	})
}

// schedule catalogues path once it has been quiet for the settle time
func (w *Watcher) schedule(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mutex.Lock()
		delete(w.pending, path)
		w.mutex.Unlock()

		if err := w.lib.AddFile(path); err != nil && !errors.Is(err, content.ErrInvalidPath) {
			w.logger.WithError(err).WithField("file_path", path).Warn("Error cataloguing asset")
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) close() {
	w.mutex.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mutex.Unlock()
	w.watcher.Close()
}
