package watcher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// binarySniffLen matches the prefix git inspects for NUL bytes.
const binarySniffLen = 8000

// IsBinary reports whether content looks binary.
func IsBinary(content []byte) bool {
	if len(content) > binarySniffLen {
		content = content[:binarySniffLen]
	}
	return bytes.IndexByte(content, 0) >= 0
}

// DiffStats is a line-level summary of a content change. A deletion directly
// paired with an insertion counts as modified lines.
type DiffStats struct {
	Added    int
	Removed  int
	Modified int
}

// ComputeDiffStats diffs two contents line by line. Any failure inside the
// diff library is returned as an error so callers can fall back to zero stats.
func ComputeDiffStats(before, after []byte) (stats DiffStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			stats = DiffStats{}
			err = fmt.Errorf("diff failed: %v", r)
		}
	}()

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(before), string(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var del, ins int
	settle := func() {
		m := min(del, ins)
		stats.Modified += m
		stats.Removed += del - m
		stats.Added += ins - m
		del, ins = 0, 0
	}
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			del += n
		case diffmatchpatch.DiffInsert:
			ins += n
		case diffmatchpatch.DiffEqual:
			settle()
		}
	}
	settle()
	return stats, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
