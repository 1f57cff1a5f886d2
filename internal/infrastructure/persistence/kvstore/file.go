package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

const (
	fileExt       = ".json"
	tempPrefix    = ".tmp-"
	fileStorePerm = 0o600
)

// File is a Store keeping one JSON file per key in a directory.
//
// Writes go to a temporary file that is renamed over the target, so readers
// never see a partial value. An fsnotify watcher on the directory reports
// files written by other processes; writes made through this handle are
// recognised by content and skipped.
type File struct {
	dir     string
	log     *logger.Logger
	subs    notifier
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	written map[string][]byte // last content written per key, nil for a removal
	closed  bool

	done chan struct{}
}

// OpenFile opens a directory store, creating dir if needed.
func OpenFile(dir string, log *logger.Logger) (*File, error) {
	if log == nil {
		log = logger.Nop()
	}
	if dir == "" {
		return nil, shared.NewDomainError("kvstore", "OpenFile", shared.ErrEmptyValue, "directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, persistenceError("OpenFile", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, persistenceError("OpenFile", dir, err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, persistenceError("OpenFile", dir, err)
	}

	f := &File{
		dir:     dir,
		log:     log.With(logger.Component("kvstore.file"), logger.String("dir", dir)),
		watcher: w,
		written: make(map[string][]byte),
		done:    make(chan struct{}),
	}
	go f.watch()
	return f, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileExt)
}

func (f *File) keyOf(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, tempPrefix) || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *File) checkOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return shared.ErrStoreClosed
	}
	return nil
}

// Get implements Store.
func (f *File) Get(_ context.Context, key string) (json.RawMessage, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, shared.ErrKeyNotFound
	}
	if err != nil {
		return nil, persistenceError("Get", key, err)
	}
	return data, nil
}

// Set implements Store.
func (f *File) Set(_ context.Context, key string, value json.RawMessage) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := validate("Set", key, value); err != nil {
		return err
	}

	f.mu.Lock()
	f.written[key] = clone(value)
	f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, tempPrefix+"*")
	if err != nil {
		return persistenceError("Set", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return persistenceError("Set", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return persistenceError("Set", key, err)
	}
	if err := tmp.Close(); err != nil {
		return persistenceError("Set", key, err)
	}
	if err := os.Chmod(tmpName, fileStorePerm); err != nil {
		return persistenceError("Set", key, err)
	}
	return persistenceError("Set", key, os.Rename(tmpName, f.path(key)))
}

// Remove implements Store.
func (f *File) Remove(_ context.Context, key string) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.mu.Lock()
	f.written[key] = nil
	f.mu.Unlock()

	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return persistenceError("Remove", key, err)
}

// Keys implements Store.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, persistenceError("Keys", prefix, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if k, ok := f.keyOf(e.Name()); ok {
			keys = append(keys, k)
		}
	}
	return filterKeys(keys, prefix), nil
}

// Subscribe implements Store.
func (f *File) Subscribe(fn ChangeHandler) func() {
	return f.subs.subscribe(fn)
}

// Close stops the watcher.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.watcher.Close()
	<-f.done
	return err
}

func (f *File) watch() {
	defer close(f.done)
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handle(ev)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("watcher error", logger.Err(err))
		}
	}
}

func (f *File) handle(ev fsnotify.Event) {
	key, ok := f.keyOf(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		data, err := os.ReadFile(ev.Name)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			f.log.Warn("read changed file", logger.String("key", key), logger.Err(err))
			return
		}
		if len(data) == 0 || !json.Valid(data) {
			// partial write from a process not using rename
			return
		}
		if f.own(key, data) {
			return
		}
		f.subs.notify(Change{Key: key, Value: data})

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if _, err := os.Stat(ev.Name); err == nil {
			return
		}
		if f.own(key, nil) {
			return
		}
		f.subs.notify(Change{Key: key, Removed: true})
	}
}

// own reports whether the observed state is what this handle wrote last.
func (f *File) own(key string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.written[key]
	if !ok {
		return false
	}
	if data == nil {
		return last == nil
	}
	return last != nil && bytes.Equal(last, data)
}
