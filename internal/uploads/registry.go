// Package uploads tracks the spreadsheet files available to the table
// analysis tool. The registry mirrors one directory on disk and keeps
// itself current through filesystem notifications, so metadata references
// to an uploaded file resolve to a live path without a rescan.
package uploads

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceWindow coalesces the event bursts editors and uploaders produce
// for a single file.
const debounceWindow = 500 * time.Millisecond

var spreadsheetExts = map[string]bool{
	".xlsx": true,
	".xls":  true,
	".csv":  true,
}

// IsSpreadsheet reports whether the file name carries a tracked extension.
func IsSpreadsheet(name string) bool {
	return spreadsheetExts[strings.ToLower(filepath.Ext(name))]
}

// Registry maps uploaded spreadsheet names to their on-disk paths.
type Registry struct {
	dir     string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	files    map[string]string // lowercase base name -> absolute path
	debounce map[string]*time.Timer
	stopChan chan struct{}
}

// NewRegistry scans dir and starts watching it. The directory is created
// when absent so a fresh deployment starts clean rather than failing.
func NewRegistry(dir string, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		dir:      abs,
		logger:   logger,
		files:    make(map[string]string),
		debounce: make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}
	if err := r.scan(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		return nil, err
	}
	r.watcher = watcher
	go r.watchLoop()

	logger.WithFields(logrus.Fields{
		"dir":   abs,
		"files": len(r.files),
	}).Info("upload registry watching")
	return r, nil
}

func (r *Registry) scan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !IsSpreadsheet(entry.Name()) {
			continue
		}
		r.files[strings.ToLower(entry.Name())] = filepath.Join(r.dir, entry.Name())
	}
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.stopChan:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !IsSpreadsheet(event.Name) {
				continue
			}
			r.scheduleHandle(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("upload watcher error")
		}
	}
}

// scheduleHandle debounces per path; only the final event in a burst is
// applied.
func (r *Registry) scheduleHandle(event fsnotify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, exists := r.debounce[event.Name]; exists {
		timer.Stop()
	}
	r.debounce[event.Name] = time.AfterFunc(debounceWindow, func() {
		r.mu.Lock()
		delete(r.debounce, event.Name)
		r.mu.Unlock()
		r.handleEvent(event)
	})
}

func (r *Registry) handleEvent(event fsnotify.Event) {
	name := strings.ToLower(filepath.Base(event.Name))
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		r.mu.Lock()
		r.files[name] = event.Name
		r.mu.Unlock()
		r.logger.WithField("file", name).Info("spreadsheet registered")
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		r.mu.Lock()
		delete(r.files, name)
		r.mu.Unlock()
		r.logger.WithField("file", name).Info("spreadsheet removed")
	}
}

// Resolve maps a metadata reference (a bare file name or any path ending in
// one) to the registered absolute path. Matching is case-insensitive.
func (r *Registry) Resolve(ref string) (string, bool) {
	if r == nil || ref == "" {
		return "", false
	}
	name := strings.ToLower(filepath.Base(strings.TrimSpace(ref)))
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.files[name]
	return path, ok
}

// Files lists the registered base names, sorted.
func (r *Registry) Files() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.files))
	for name := range r.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dir reports the watched directory.
func (r *Registry) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Close stops the watcher. Safe on a nil registry.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	close(r.stopChan)
	return r.watcher.Close()
}
