package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"graphsync/internal/slogutil"
	"graphsync/internal/testutil"
)

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "create"},
		{OpWrite, "write"},
		{OpRemove, "remove"},
		{OpRename, "rename"},
		{OpChmod, "chmod"},
		{Op(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	m := newTestMatcher(t)
	tests := []struct {
		path  string
		match bool
	}{
		{"main.go", true},
		{"internal/x/y.go", true},
		{"tools/gen.py", true},
		{"sub/go.mod", true},
		{"README.md", false},
		{"node_modules/pkg/a.go", false},
		{"web/node_modules/pkg/a.go", false},
		{".git/hooks/x.go", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.path); got != tt.match {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.match)
		}
	}
	if !m.Ignored("web/node_modules") || m.Ignored("web") || m.Ignored(".") {
		t.Error("Ignored mismatch")
	}
}

func TestNewMatcherRequiresWatchPatterns(t *testing.T) {
	if _, err := NewMatcher(nil, nil); err == nil {
		t.Error("expected error for empty watch patterns")
	}
}

func TestDebouncer(t *testing.T) {
	var mu sync.Mutex
	fired := map[string][]uint64{}
	d := NewDebouncer(20*time.Millisecond, func(key string, gen uint64) {
		mu.Lock()
		fired[key] = append(fired[key], gen)
		mu.Unlock()
	})
	snapshot := func(key string) []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), fired[key]...)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		last = d.Schedule("a.go")
	}
	d.Schedule("b.go")
	if n := d.Pending(); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
	time.Sleep(100 * time.Millisecond)
	if got := snapshot("a.go"); len(got) != 1 || got[0] != last {
		t.Errorf("a.go fired %v, want only generation %d", got, last)
	}
	if got := snapshot("b.go"); len(got) != 1 {
		t.Errorf("b.go fired %d times", len(got))
	}

	d.Schedule("a.go")
	d.Cancel("a.go")
	d.Schedule("c.go")
	d.CancelAll()
	time.Sleep(60 * time.Millisecond)
	if got := snapshot("a.go"); len(got) != 1 {
		t.Errorf("a.go fired after Cancel: %v", got)
	}
	if got := snapshot("c.go"); len(got) != 0 {
		t.Errorf("c.go fired after CancelAll: %v", got)
	}
	if d.Pending() != 0 {
		t.Errorf("pending after CancelAll = %d", d.Pending())
	}
}

func TestComputeDiffStats(t *testing.T) {
	tests := []struct {
		name          string
		before, after string
		want          DiffStats
	}{
		{"identical", "a\nb\n", "a\nb\n", DiffStats{}},
		{"added", "a\n", "a\nb\nc\n", DiffStats{Added: 2}},
		{"removed", "a\nb\nc\n", "a\n", DiffStats{Removed: 2}},
		{"modified", "a\nb\nc\n", "a\nX\nc\n", DiffStats{Modified: 1}},
		{"modified plus added", "a\nb\n", "a\nX\nY\n", DiffStats{Modified: 1, Added: 1}},
		{"from empty", "", "x\ny", DiffStats{Added: 2}},
		{"to empty", "x\ny\n", "", DiffStats{Removed: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeDiffStats([]byte(tt.before), []byte(tt.after))
			if err != nil {
				t.Fatalf("ComputeDiffStats: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIsBinary(t *testing.T) {
	if IsBinary([]byte("package main\n")) {
		t.Error("text reported binary")
	}
	if !IsBinary([]byte{'a', 0, 'b'}) {
		t.Error("NUL content reported text")
	}
	late := make([]byte, binarySniffLen+10)
	for i := range late {
		late[i] = 'a'
	}
	late[len(late)-1] = 0
	if IsBinary(late) {
		t.Error("NUL beyond the sniff window should be ignored")
	}
}

func TestChannelSource(t *testing.T) {
	src := NewChannelSource(1)
	if !src.Emit(RawEvent{Op: OpCreate, Path: "a.go"}) {
		t.Fatal("first Emit should succeed")
	}
	if src.Emit(RawEvent{Op: OpCreate, Path: "b.go"}) {
		t.Fatal("Emit on a full buffer should drop")
	}
	if src.Dropped() != 1 {
		t.Errorf("Dropped = %d", src.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan RawEvent, 1)
	if err := src.Watch(ctx, "", out); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	select {
	case ev := <-out:
		if ev.Path != "a.go" || ev.Time.IsZero() {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestFSNotifySource(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := NewFSNotifySource(newTestMatcher(t), slogutil.NewDiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan RawEvent, 64)
	if err := src.Watch(ctx, root, out); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	testutil.WriteFile(t, root, "main.go", "package main\n")
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-out:
			if ev.Path == "main.go" {
				return
			}
		case <-deadline:
			t.Fatal("no event for main.go")
		}
	}
}

func TestFSNotifySourceNewDirectory(t *testing.T) {
	root := t.TempDir()
	src := NewFSNotifySource(newTestMatcher(t), slogutil.NewDiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan RawEvent, 64)
	if err := src.Watch(ctx, root, out); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	testutil.WriteFile(t, root, "pkg/inner.go", "package pkg\n")
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-out:
			if ev.Path == "pkg/inner.go" {
				return
			}
		case <-deadline:
			t.Fatal("no event for file in new directory")
		}
	}
}

func TestFSNotifySourceMissingRoot(t *testing.T) {
	src := NewFSNotifySource(newTestMatcher(t), slogutil.NewDiscardLogger())
	err := src.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), make(chan RawEvent, 1))
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}
