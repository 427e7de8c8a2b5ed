// Package store persists the bot configuration document and the session snapshot.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/logger"
)

// writeJSONAtomic replaces path with the JSON encoding of v.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to a unique temp file next to path, syncs it and
// renames it over path, so readers see either the old or the new document.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// readJSON decodes path into v. A missing file reports found=false and no error.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshaling %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

type Saver interface {
	Save() error
}

// Autosaver periodically saves a set of stores and does a final save on Stop.
type Autosaver struct {
	log      *logger.Logger
	interval time.Duration
	savers   []Saver

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewAutosaver(log *logger.Logger, interval time.Duration, savers ...Saver) *Autosaver {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Autosaver{
		log:      log,
		interval: interval,
		savers:   savers,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *Autosaver) Start() {
	a.startOnce.Do(a.start)
}

func (a *Autosaver) start() {
	a.started = true
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.saveAll()
			case <-a.stop:
				return
			}
		}
	}()
	a.log.Info("Started auto-save", zap.Duration("interval", a.interval))
}

// Stop ends the ticker goroutine and saves one last time.
func (a *Autosaver) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.started {
			<-a.done
		}
		a.saveAll()
	})
}

func (a *Autosaver) saveAll() {
	for _, s := range a.savers {
		if err := s.Save(); err != nil {
			a.log.Error("Auto-save failed", zap.Error(err))
		}
	}
}
