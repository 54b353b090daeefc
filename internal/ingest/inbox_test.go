package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestInbox_ScanMovesFiles(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(dir, "a.json"), `{"source":"aligner","content":"disk full on node-3"}`)
	writeFile(t, filepath.Join(dir, "b.json"), `not json`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)
	writeFile(t, filepath.Join(dir, ".c.json"), `{"source":"chat"}`)

	brain := newFakeBrain()
	NewInbox(dir, brain, nil, 0).Scan(context.Background())

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, processedDir, "a.json"), true},
		{filepath.Join(dir, failedDir, "b.json"), true},
		{filepath.Join(dir, "a.json"), false},
		{filepath.Join(dir, "b.json"), false},
		{filepath.Join(dir, "notes.txt"), true},
		{filepath.Join(dir, ".c.json"), true},
	}
	for _, tt := range tests {
		if got := exists(tt.path); got != tt.want {
			t.Errorf("exists(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if len(brain.inbound) != 1 || brain.inbound[0].Source != "aligner" {
		t.Errorf("ingested = %+v, want the aligner event only", brain.inbound)
	}
}

func TestInbox_RejectedIngestGoesToFailed(t *testing.T) {
	dir := t.TempDir()
	brain := newFakeBrain()
	brain.err = os.ErrInvalid
	writeFile(t, filepath.Join(dir, "x.json"), `{"source":"chat","content":"help"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewInbox(dir, brain, nil, 10*time.Millisecond).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !exists(filepath.Join(dir, failedDir, "x.json")) {
		if time.Now().After(deadline) {
			t.Fatal("x.json never moved to failed/")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestInbox_WatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	brain := newFakeBrain()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewInbox(dir, brain, nil, time.Hour).Run(ctx) }()

	// Run creates processed/ before it starts watching.
	deadline := time.Now().Add(5 * time.Second)
	for !exists(filepath.Join(dir, failedDir)) {
		if time.Now().After(deadline) {
			t.Fatal("inbox never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	tmp := filepath.Join(t.TempDir(), "evt.json")
	writeFile(t, tmp, `{"source":"headhunter","content":"flaky test in billing"}`)
	if err := os.Rename(tmp, filepath.Join(dir, "evt.json")); err != nil {
		t.Fatal(err)
	}

	for !exists(filepath.Join(dir, processedDir, "evt.json")) {
		if time.Now().After(deadline) {
			t.Fatal("evt.json never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	brain.mu.Lock()
	defer brain.mu.Unlock()
	if len(brain.inbound) != 1 || brain.inbound[0].Source != "headhunter" {
		t.Errorf("ingested = %+v", brain.inbound)
	}
}
