package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/opsbrain/internal/orchestrator"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Ingester accepts one inbound event.
type Ingester interface {
	Ingest(ctx context.Context, in orchestrator.Inbound) (string, error)
}

// Inbox watches a directory for *.json event files. Each file holds one
// orchestrator.Inbound. Accepted files move to processed/, rejected ones
// to failed/. Writers should create files elsewhere and rename them into
// place so a half-written file is never read.
type Inbox struct {
	dir    string
	brain  Ingester
	logger Logger
	poll   time.Duration
}

// NewInbox creates an inbox over dir. A zero poll uses DefaultPollInterval.
func NewInbox(dir string, brain Ingester, logger Logger, poll time.Duration) *Inbox {
	if logger == nil {
		logger = nopLogger{}
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Inbox{dir: dir, brain: brain, logger: logger, poll: poll}
}

// Run drains files already present, then watches until ctx is done.
// It falls back to polling when fsnotify is unavailable.
func (in *Inbox) Run(ctx context.Context) error {
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(in.dir, sub), 0755); err != nil {
			return fmt.Errorf("create inbox %s dir: %w", sub, err)
		}
	}
	in.Scan(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Log("[inbox] fsnotify unavailable, polling: %v", err)
		in.pollLoop(ctx)
		return nil
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(in.dir); err != nil {
		in.logger.Log("[inbox] watch %s failed, polling: %v", in.dir, err)
		in.pollLoop(ctx)
		return nil
	}

	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isEventFile(ev.Name) {
				in.process(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Log("[inbox] watcher error: %v", err)
		case <-ticker.C:
			in.Scan(ctx)
		}
	}
}

func (in *Inbox) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.Scan(ctx)
		}
	}
}

// Scan processes every event file currently in the inbox, oldest name first.
func (in *Inbox) Scan(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Log("[inbox] read %s: %v", in.dir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		in.process(ctx, filepath.Join(in.dir, name))
	}
}

func (in *Inbox) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Already moved by an earlier event for the same file.
		if !errors.Is(err, os.ErrNotExist) {
			in.logger.Log("[inbox] read %s: %v", path, err)
		}
		return
	}
	var inbound orchestrator.Inbound
	if err := json.Unmarshal(data, &inbound); err != nil {
		in.reject(path, fmt.Errorf("parse: %w", err))
		return
	}
	id, err := in.brain.Ingest(ctx, inbound)
	if err != nil {
		in.reject(path, err)
		return
	}
	in.logger.Log("[inbox] %s ingested as %s", filepath.Base(path), id)
	in.move(path, processedDir)
}

func (in *Inbox) reject(path string, cause error) {
	in.logger.Log("[inbox] %s rejected: %v", filepath.Base(path), cause)
	in.move(path, failedDir)
}

func (in *Inbox) move(path, sub string) {
	dest := filepath.Join(in.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		in.logger.Log("[inbox] move %s to %s: %v", path, sub, err)
	}
}

func isEventFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
