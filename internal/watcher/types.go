// Package watcher turns raw filesystem notifications into debounced,
// classified change events.
package watcher

import (
	"context"
	"time"
)

// ChangeType classifies the net effect of a burst of events on one path.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileChangeEvent is emitted once per debounced burst. It is never mutated
// after emission.
type FileChangeEvent struct {
	ID            string     `json:"id"`
	Path          string     `json:"path"`
	OldPath       string     `json:"oldPath,omitempty"`
	Type          ChangeType `json:"type"`
	Timestamp     time.Time  `json:"timestamp"`
	LinesAdded    int        `json:"linesAdded"`
	LinesRemoved  int        `json:"linesRemoved"`
	LinesModified int        `json:"linesModified"`
	Language      string     `json:"language,omitempty"`
	IsBinary      bool       `json:"isBinary"`
	Size          int64      `json:"size"`
}

// Op is a raw filesystem operation.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// RawEvent is one notification from a Source. Path is workspace-relative
// with forward slashes. OldPath is only set by sources that pair renames.
type RawEvent struct {
	Op      Op
	Path    string
	OldPath string
	Time    time.Time
}

// Source delivers raw events for a workspace. Watch returns once watching is
// established (or with the setup error) and keeps delivering until ctx is done.
// Sources must never block on a full out channel.
type Source interface {
	Watch(ctx context.Context, root string, out chan<- RawEvent) error
}
