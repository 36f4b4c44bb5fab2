package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestGraphsyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		err       *GraphsyncError
		wantParts []string
	}{
		{
			name:      "with cause",
			err:       Wrap(WatcherFailed, "cannot watch workspace", stderrors.New("permission denied")),
			wantParts: []string{"WATCHER_FAILED", "cannot watch workspace", "permission denied"},
		},
		{
			name:      "without cause",
			err:       New(NoActiveSession, "no active session for client c1"),
			wantParts: []string{"NO_ACTIVE_SESSION", "client c1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, part := range tt.wantParts {
				if !strings.Contains(got, part) {
					t.Errorf("Error() = %q, want to contain %q", got, part)
				}
			}
		})
	}
}

func TestGraphsyncError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(StoreUnavailable, "write failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !stderrors.Is(err, New(StoreUnavailable, "")) {
		t.Error("errors.Is should match by code")
	}
	if stderrors.Is(err, New(BatchFailed, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("apply: %w", New(BatchFailed, "mutation 2 failed"))

	if got := CodeOf(wrapped); got != BatchFailed {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, BatchFailed)
	}
	if got := CodeOf(stderrors.New("plain")); got != InternalError {
		t.Errorf("CodeOf(plain) = %q, want %q", got, InternalError)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}

func TestWithDetails(t *testing.T) {
	err := New(InvalidConfig, "bad value").WithDetails(map[string]string{"field": "batchSize"})
	if err.Details == nil {
		t.Fatal("Details should be set")
	}
}
