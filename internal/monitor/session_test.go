package monitor

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"graphsync/internal/watcher"
)

func ev(typ watcher.ChangeType, path, old string) watcher.FileChangeEvent {
	return watcher.FileChangeEvent{Path: path, OldPath: old, Type: typ}
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name string
		in   []watcher.FileChangeEvent
		want []watcher.FileChangeEvent
	}{
		{
			name: "distinct paths keep order",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeModified, "b.go", ""), ev(watcher.ChangeCreated, "a.go", "")},
			want: []watcher.FileChangeEvent{ev(watcher.ChangeModified, "b.go", ""), ev(watcher.ChangeCreated, "a.go", "")},
		},
		{
			name: "created then deleted cancels",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeCreated, "a.go", ""), ev(watcher.ChangeDeleted, "a.go", "")},
			want: []watcher.FileChangeEvent{},
		},
		{
			name: "created then modified stays created",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeCreated, "a.go", ""), ev(watcher.ChangeModified, "a.go", "")},
			want: []watcher.FileChangeEvent{ev(watcher.ChangeCreated, "a.go", "")},
		},
		{
			name: "deleted then created is a modification",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeDeleted, "a.go", ""), ev(watcher.ChangeCreated, "a.go", "")},
			want: []watcher.FileChangeEvent{ev(watcher.ChangeModified, "a.go", "")},
		},
		{
			name: "renamed then modified keeps the old path",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeRenamed, "b.go", "a.go"), ev(watcher.ChangeModified, "b.go", "")},
			want: []watcher.FileChangeEvent{ev(watcher.ChangeRenamed, "b.go", "a.go")},
		},
		{
			name: "renamed then deleted removes the old path",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeRenamed, "b.go", "a.go"), ev(watcher.ChangeDeleted, "b.go", "")},
			want: []watcher.FileChangeEvent{ev(watcher.ChangeDeleted, "a.go", "")},
		},
		{
			name: "modified twice",
			in:   []watcher.FileChangeEvent{ev(watcher.ChangeModified, "a.go", ""), ev(watcher.ChangeModified, "a.go", "")},
			want: []watcher.FileChangeEvent{ev(watcher.ChangeModified, "a.go", "")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := coalesce(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("coalesce() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	if got := r.newest(0); len(got) != 0 {
		t.Fatalf("empty ring = %v", got)
	}
	r.push(1)
	r.push(2)
	if got := r.newest(0); !reflect.DeepEqual(got, []int{2, 1}) {
		t.Errorf("newest = %v", got)
	}
	r.push(3)
	r.push(4)
	if r.len() != 3 {
		t.Errorf("len = %d", r.len())
	}
	if got := r.newest(0); !reflect.DeepEqual(got, []int{4, 3, 2}) {
		t.Errorf("newest after wrap = %v", got)
	}
	if got := r.newest(2); !reflect.DeepEqual(got, []int{4, 3}) {
		t.Errorf("newest(2) = %v", got)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateCreated, StateActive}:  true,
		{StateCreated, StateStopped}: true,
		{StateActive, StatePaused}:   true,
		{StateActive, StateStopped}:  true,
		{StatePaused, StateActive}:   true,
		{StatePaused, StateStopped}:  true,
	}
	states := []State{StateCreated, StateActive, StatePaused, StateStopped}
	for _, from := range states {
		for _, to := range states {
			if got := canTransition(from, to); got != allowed[[2]State{from, to}] {
				t.Errorf("canTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestSessionHaltBeforeActivate(t *testing.T) {
	s := &Session{id: "s1", state: StateCreated}
	cancel, err := s.halt()
	if err != nil || cancel != nil {
		t.Fatalf("halt = %v, %v; want nil cancel and no error", cancel != nil, err)
	}
	if err := s.activate(func() {}, 2); err == nil {
		t.Fatal("a stopped session was activated")
	}
	if s.State() != StateStopped || s.stoppedAt == nil {
		t.Errorf("state = %s stoppedAt = %v", s.State(), s.stoppedAt)
	}
}

func TestSessionHaltRacingActivate(t *testing.T) {
	for range 50 {
		s := &Session{id: "s1", state: StateCreated}
		ctx, cancel := context.WithCancel(context.Background())

		var wg sync.WaitGroup
		var activated bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			if s.activate(cancel, 1) == nil {
				activated = true
				go func() {
					defer s.wg.Done()
					<-ctx.Done()
				}()
			}
		}()
		go func() {
			defer wg.Done()
			if c, err := s.halt(); err == nil && c != nil {
				c()
			}
		}()
		wg.Wait()

		if activated && ctx.Err() == nil {
			t.Fatal("halt after activation did not cancel the pipeline")
		}
		s.wg.Wait()
		cancel()
		if s.State() != StateStopped {
			t.Fatalf("state = %s, want stopped", s.State())
		}
	}
}
