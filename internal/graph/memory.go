package graph

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Transactions work on a private copy
// that replaces the live maps on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	nodes  map[string]*Node
	rels   map[string]*Relationship
	byFrom map[string]map[string]bool
	byTo   map[string]map[string]bool
}

func newMemState() *memState {
	return &memState{
		nodes:  make(map[string]*Node),
		rels:   make(map[string]*Relationship),
		byFrom: make(map[string]map[string]bool),
		byTo:   make(map[string]map[string]bool),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nodes:  maps.Clone(s.nodes),
		rels:   maps.Clone(s.rels),
		byFrom: make(map[string]map[string]bool, len(s.byFrom)),
		byTo:   make(map[string]map[string]bool, len(s.byTo)),
	}
	for k, v := range s.byFrom {
		c.byFrom[k] = maps.Clone(v)
	}
	for k, v := range s.byTo {
		c.byTo[k] = maps.Clone(v)
	}
	return c
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.state.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (s *MemoryStore) PutNode(_ context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.nodes[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.nodes, id)
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context, nodeType string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, n := range s.state.nodes {
		if nodeType == "" || n.Type == nodeType {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetRelationship(_ context.Context, id string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.rels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) PutRelationship(_ context.Context, r *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if old, ok := st.rels[r.ID]; ok {
		unlink(st.byFrom, old.From, old.ID)
		unlink(st.byTo, old.To, old.ID)
	}
	st.rels[r.ID] = r.Clone()
	link(st.byFrom, r.From, r.ID)
	link(st.byTo, r.To, r.ID)
	return nil
}

func (s *MemoryStore) DeleteRelationship(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if old, ok := st.rels[id]; ok {
		unlink(st.byFrom, old.From, id)
		unlink(st.byTo, old.To, id)
		delete(st.rels, id)
	}
	return nil
}

func (s *MemoryStore) RelationshipsFrom(_ context.Context, nodeID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.state.byFrom[nodeID]), nil
}

func (s *MemoryStore) RelationshipsTo(_ context.Context, nodeID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.state.byTo[nodeID]), nil
}

func (s *MemoryStore) RelationshipsByOrigin(_ context.Context, origin string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Relationship
	for _, r := range s.state.rels {
		if r.Origin == origin {
			out = append(out, r.Clone())
		}
	}
	sortRelationships(out)
	return out, nil
}

func (s *MemoryStore) ListRelationships(_ context.Context) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Relationship, 0, len(s.state.rels))
	for _, r := range s.state.rels {
		out = append(out, r.Clone())
	}
	sortRelationships(out)
	return out, nil
}

// WithTx runs fn against a copy of the store. Other callers block until the
// transaction finishes.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &MemoryStore{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Counts returns the number of nodes and relationships.
func (s *MemoryStore) Counts() (nodes, rels int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.nodes), len(s.state.rels)
}

func (s *MemoryStore) collect(ids map[string]bool) []*Relationship {
	out := make([]*Relationship, 0, len(ids))
	for id := range ids {
		out = append(out, s.state.rels[id].Clone())
	}
	sortRelationships(out)
	return out
}

func link(index map[string]map[string]bool, key, id string) {
	set := index[key]
	if set == nil {
		set = make(map[string]bool)
		index[key] = set
	}
	set[id] = true
}

func unlink(index map[string]map[string]bool, key, id string) {
	if set := index[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func sortRelationships(rels []*Relationship) {
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
}

// MemoryProvider keeps one MemoryStore per workspace.
type MemoryProvider struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{stores: make(map[string]*MemoryStore)}
}

func (p *MemoryProvider) Workspace(_ context.Context, workspaceID string) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[workspaceID]
	if !ok {
		s = NewMemoryStore()
		p.stores[workspaceID] = s
	}
	return s, nil
}

func (p *MemoryProvider) Close() error { return nil }
