package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"graphsync/internal/slogutil"
	"graphsync/internal/testutil"
)

const testDebounce = 30 * time.Millisecond

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher([]string{"**/*.go", "**/*.py", "**/go.mod"}, []string{"**/node_modules", "**/.git"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func startClassifier(t *testing.T, root string) (*Classifier, chan RawEvent) {
	t.Helper()
	c := NewClassifier(Options{
		Root:            root,
		Matcher:         newTestMatcher(t),
		Debounce:        testDebounce,
		ContentAnalysis: true,
		MaxFileSize:     1 << 20,
	}, slogutil.NewDiscardLogger())
	in := make(chan RawEvent, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, in)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, in
}

func waitEvent(t *testing.T, c *Classifier) FileChangeEvent {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return FileChangeEvent{}
	}
}

func expectQuiet(t *testing.T, c *Classifier) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(10 * testDebounce):
	}
}

func TestClassifierCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	c, in := startClassifier(t, root)

	testutil.WriteFile(t, root, "a/a.go", "package a\n\nfunc A() {}\n")
	in <- RawEvent{Op: OpCreate, Path: "a/a.go"}
	for i := 0; i < 3; i++ {
		in <- RawEvent{Op: OpWrite, Path: "a/a.go"}
	}

	ev := waitEvent(t, c)
	if ev.Type != ChangeCreated || ev.Path != "a/a.go" {
		t.Fatalf("event = %+v, want created a/a.go", ev)
	}
	if ev.LinesAdded != 3 || ev.Language != "go" || ev.IsBinary || ev.Size == 0 || ev.ID == "" {
		t.Errorf("event details = %+v", ev)
	}
	expectQuiet(t, c)

	stats := c.Stats()
	if stats.Received != 4 || stats.Coalesced != 3 || stats.Emitted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClassifierDeleteThenRecreateIsModified(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "a.go", "package a\n\nfunc A() {}\n")
	c, in := startClassifier(t, root)
	c.Seed([]string{"a.go"})

	testutil.RemoveFile(t, root, "a.go")
	in <- RawEvent{Op: OpRemove, Path: "a.go"}
	testutil.WriteFile(t, root, "a.go", "package a\n\nfunc B() {}\n")
	in <- RawEvent{Op: OpCreate, Path: "a.go"}

	ev := waitEvent(t, c)
	if ev.Type != ChangeModified {
		t.Fatalf("type = %s, want modified", ev.Type)
	}
	if ev.LinesModified != 1 || ev.LinesAdded != 0 || ev.LinesRemoved != 0 {
		t.Errorf("diff stats = +%d -%d ~%d, want ~1", ev.LinesAdded, ev.LinesRemoved, ev.LinesModified)
	}
	expectQuiet(t, c)
}

func TestClassifierCreateThenDeleteIsNothing(t *testing.T) {
	root := t.TempDir()
	c, in := startClassifier(t, root)

	testutil.WriteFile(t, root, "tmp.go", "package tmp\n")
	in <- RawEvent{Op: OpCreate, Path: "tmp.go"}
	testutil.RemoveFile(t, root, "tmp.go")
	in <- RawEvent{Op: OpRemove, Path: "tmp.go"}

	expectQuiet(t, c)
}

func TestClassifierDeleted(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "gone.go", "package gone\n\nvar X = 1\n")
	c, in := startClassifier(t, root)
	c.Seed([]string{"gone.go"})

	testutil.RemoveFile(t, root, "gone.go")
	in <- RawEvent{Op: OpRemove, Path: "gone.go"}

	ev := waitEvent(t, c)
	if ev.Type != ChangeDeleted || ev.LinesRemoved != 3 {
		t.Errorf("event = %+v, want deleted with 3 removed lines", ev)
	}
}

func TestClassifierNativeRename(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "old.go", "package x\n")
	c, in := startClassifier(t, root)
	c.Seed([]string{"old.go"})

	if err := os.Rename(filepath.Join(root, "old.go"), filepath.Join(root, "new.go")); err != nil {
		t.Fatal(err)
	}
	in <- RawEvent{Op: OpRename, Path: "new.go", OldPath: "old.go"}

	ev := waitEvent(t, c)
	if ev.Type != ChangeRenamed || ev.Path != "new.go" || ev.OldPath != "old.go" {
		t.Fatalf("event = %+v, want renamed old.go -> new.go", ev)
	}
	if ev.LinesAdded+ev.LinesRemoved+ev.LinesModified != 0 {
		t.Errorf("pure rename should have zero diff stats: %+v", ev)
	}
	expectQuiet(t, c)
}

func TestClassifierUnpairedRename(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "old.go", "package x\n")
	c, in := startClassifier(t, root)
	c.Seed([]string{"old.go"})

	if err := os.Rename(filepath.Join(root, "old.go"), filepath.Join(root, "new.go")); err != nil {
		t.Fatal(err)
	}
	in <- RawEvent{Op: OpRename, Path: "old.go"}
	in <- RawEvent{Op: OpCreate, Path: "new.go"}

	got := []string{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, c)
		got = append(got, string(ev.Type)+":"+ev.Path)
	}
	sort.Strings(got)
	if got[0] != "created:new.go" || got[1] != "deleted:old.go" {
		t.Errorf("events = %v", got)
	}
}

func TestClassifierFiltersPaths(t *testing.T) {
	root := t.TempDir()
	c, in := startClassifier(t, root)

	testutil.WriteFile(t, root, "node_modules/dep/index.go", "package dep\n")
	testutil.WriteFile(t, root, "README.md", "hi\n")
	in <- RawEvent{Op: OpCreate, Path: "node_modules/dep/index.go"}
	in <- RawEvent{Op: OpWrite, Path: "README.md"}
	in <- RawEvent{Op: OpChmod, Path: "main.go"}

	expectQuiet(t, c)
	if s := c.Stats(); s.Filtered != 3 {
		t.Errorf("Filtered = %d, want 3", s.Filtered)
	}
}

func TestClassifierDirectoryRemoval(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "pkg/a.go", "package pkg\n")
	testutil.WriteFile(t, root, "pkg/b.go", "package pkg\n")
	c, in := startClassifier(t, root)
	c.Seed([]string{"pkg/a.go", "pkg/b.go"})

	if err := os.RemoveAll(filepath.Join(root, "pkg")); err != nil {
		t.Fatal(err)
	}
	in <- RawEvent{Op: OpRemove, Path: "pkg"}

	got := []string{waitEvent(t, c).Path, waitEvent(t, c).Path}
	sort.Strings(got)
	if got[0] != "pkg/a.go" || got[1] != "pkg/b.go" {
		t.Errorf("deleted = %v", got)
	}
}

func TestClassifierFlushAndStop(t *testing.T) {
	root := t.TempDir()
	c := NewClassifier(Options{Root: root, Matcher: newTestMatcher(t), Debounce: time.Hour}, slogutil.NewDiscardLogger())
	in := make(chan RawEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, in) }()

	testutil.WriteFile(t, root, "a.go", "package a\n")
	in <- RawEvent{Op: OpCreate, Path: "a.go"}
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Received == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ev := waitEvent(t, c); ev.Type != ChangeCreated {
		t.Errorf("flushed event = %+v", ev)
	}

	testutil.WriteFile(t, root, "b.go", "package a\n")
	in <- RawEvent{Op: OpCreate, Path: "b.go"}
	deadline = time.Now().Add(2 * time.Second)
	for c.Stats().Pending == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	if p := c.Stats().Pending; p != 0 {
		t.Errorf("Pending after Stop = %d", p)
	}
}

func TestClassifierBinaryContent(t *testing.T) {
	root := t.TempDir()
	c, in := startClassifier(t, root)

	testutil.WriteFile(t, root, "blob.go", "package x\x00\x01\x02")
	in <- RawEvent{Op: OpCreate, Path: "blob.go"}

	ev := waitEvent(t, c)
	if !ev.IsBinary || ev.LinesAdded != 0 {
		t.Errorf("event = %+v, want binary with no diff stats", ev)
	}
}
