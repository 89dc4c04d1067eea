package storage

// Sidecar watches the recording directory for finished FLV files and
// uploads them through a Backend. It has two entry points into the upload
// path: Enqueue, called directly by the recorder's owner the moment a
// recording is closed, and the fsnotify watch loop, which catches files
// dropped into the directory by another means (e.g. a recording left behind
// by a server that crashed before it could call Enqueue). Both paths
// de-duplicate against the same uploaded set, so a file is never shipped
// twice.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const uploadTimeout = 60 * time.Second

// Sidecar uploads finished recordings from dir via backend.
type Sidecar struct {
	dir     string
	backend Backend
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	uploaded map[string]bool

	wg sync.WaitGroup
}

// NewSidecar creates a Sidecar watching dir. backend must be non-nil.
func NewSidecar(dir string, backend Backend, log *slog.Logger) (*Sidecar, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage: sidecar requires a backend")
	}
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("storage: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("storage: watch %s: %w", dir, err)
	}
	return &Sidecar{
		dir:      dir,
		backend:  backend,
		log:      log.With("component", "storage_sidecar"),
		watcher:  watcher,
		uploaded: make(map[string]bool),
	}, nil
}

// Run starts the fsnotify watch loop in a goroutine and returns at once. The
// loop exits once ctx is canceled or the watcher is closed.
func (s *Sidecar) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".flv") {
					continue
				}
				s.Enqueue(ev.Name)
			case err, ok := <-s.watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("watch error", "error", err)
			}
		}
	}()
}

// Enqueue schedules path for upload unless already uploaded. Safe to call
// from any goroutine, including before Run is started.
func (s *Sidecar) Enqueue(path string) {
	s.mu.Lock()
	if s.uploaded[path] {
		s.mu.Unlock()
		return
	}
	s.uploaded[path] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.upload(path)
	}()
}

func (s *Sidecar) upload(path string) {
	f, err := os.Open(path)
	if err != nil {
		s.log.Error("open recording failed", "path", path, "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.log.Error("stat recording failed", "path", path, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	key := filepath.Base(path)
	if err := s.backend.Upload(ctx, key, f, info.Size()); err != nil {
		s.log.Error("upload failed", "path", path, "error", err)
		return
	}
	s.log.Info("recording uploaded", "path", path, "key", key, "bytes", info.Size())
}

// Close stops the watch loop and waits for in-flight uploads to finish.
func (s *Sidecar) Close() error {
	err := s.watcher.Close()
	s.wg.Wait()
	if s.backend != nil {
		_ = s.backend.Close()
	}
	return err
}
