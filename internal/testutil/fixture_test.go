package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWorkspace(t *testing.T) {
	root := Workspace(t, map[string]string{"a/b/c.go": "package b\n", "go.mod": "module m\n"})
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.go"))
	if err != nil || string(data) != "package b\n" {
		t.Fatalf("c.go = %q, %v", data, err)
	}
	RemoveFile(t, root, "go.mod")
	if _, err := os.Stat(filepath.Join(root, "go.mod")); !os.IsNotExist(err) {
		t.Errorf("go.mod still exists: %v", err)
	}
}

func TestEventually(t *testing.T) {
	start := time.Now()
	Eventually(t, time.Second, "30ms to pass", func() bool { return time.Since(start) > 30*time.Millisecond })
}
