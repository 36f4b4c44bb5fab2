package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"graphsync/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore persists one workspace's graph in the graph_nodes and
// graph_relationships tables.
type SQLiteStore struct {
	db          *storage.DB
	q           querier
	workspaceID string
}

// NewSQLiteStore returns a store scoped to workspaceID.
func NewSQLiteStore(db *storage.DB, workspaceID string) *SQLiteStore {
	return &SQLiteStore{db: db, q: db.Conn(), workspaceID: workspaceID}
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, type, name, properties_json, updated_at
		FROM graph_nodes WHERE workspace_id = ? AND id = ?
	`, s.workspaceID, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *SQLiteStore) PutNode(ctx context.Context, n *Node) error {
	props, err := encodeProps(n.Properties)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO graph_nodes (workspace_id, id, type, name, properties_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.workspaceID, n.ID, n.Type, n.Name, props, formatTime(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write node %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM graph_nodes WHERE workspace_id = ? AND id = ?", s.workspaceID, id); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context, nodeType string) ([]*Node, error) {
	query := `SELECT id, type, name, properties_json, updated_at FROM graph_nodes WHERE workspace_id = ?`
	args := []any{s.workspaceID}
	if nodeType != "" {
		query += " AND type = ?"
		args = append(args, nodeType)
	}
	rows, err := s.q.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRelationship(ctx context.Context, id string) (*Relationship, error) {
	rels, err := s.queryRels(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, ErrNotFound
	}
	return rels[0], nil
}

func (s *SQLiteStore) PutRelationship(ctx context.Context, r *Relationship) error {
	props, err := encodeProps(r.Properties)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO graph_relationships
			(workspace_id, id, type, from_id, to_id, origin, properties_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.workspaceID, r.ID, r.Type, r.From, r.To, r.Origin, props, formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write relationship %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRelationship(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM graph_relationships WHERE workspace_id = ? AND id = ?", s.workspaceID, id); err != nil {
		return fmt.Errorf("failed to delete relationship %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RelationshipsFrom(ctx context.Context, nodeID string) ([]*Relationship, error) {
	return s.queryRels(ctx, "from_id = ?", nodeID)
}

func (s *SQLiteStore) RelationshipsTo(ctx context.Context, nodeID string) ([]*Relationship, error) {
	return s.queryRels(ctx, "to_id = ?", nodeID)
}

func (s *SQLiteStore) RelationshipsByOrigin(ctx context.Context, origin string) ([]*Relationship, error) {
	return s.queryRels(ctx, "origin = ?", origin)
}

func (s *SQLiteStore) ListRelationships(ctx context.Context) ([]*Relationship, error) {
	return s.queryRels(ctx, "1 = 1")
}

// WithTx runs fn inside one SQLite transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithTxContext(ctx, func(tx *sql.Tx) error {
		return fn(&SQLiteStore{db: s.db, q: tx, workspaceID: s.workspaceID})
	})
}

func (s *SQLiteStore) queryRels(ctx context.Context, where string, args ...any) ([]*Relationship, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, type, from_id, to_id, origin, properties_json, updated_at
		FROM graph_relationships
		WHERE workspace_id = ? AND `+where+`
		ORDER BY id
	`, append([]any{s.workspaceID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var out []*Relationship
	for rows.Next() {
		var (
			r              Relationship
			props, updated string
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.From, &r.To, &r.Origin, &props, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		if r.Properties, err = decodeProps(props); err != nil {
			return nil, err
		}
		r.UpdatedAt = parseTime(updated)
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n              Node
		props, updated string
	)
	if err := row.Scan(&n.ID, &n.Type, &n.Name, &props, &updated); err != nil {
		return nil, err
	}
	var err error
	if n.Properties, err = decodeProps(props); err != nil {
		return nil, err
	}
	n.UpdatedAt = parseTime(updated)
	return &n, nil
}

func encodeProps(p map[string]string) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode properties: %w", err)
	}
	return string(b), nil
}

func decodeProps(s string) (map[string]string, error) {
	var p map[string]string
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// SQLiteProvider hands out SQLite stores sharing one database.
type SQLiteProvider struct {
	db     *storage.DB
	mu     sync.Mutex
	stores map[string]*SQLiteStore
}

// NewSQLiteProvider creates a provider over db. Close closes db.
func NewSQLiteProvider(db *storage.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db, stores: make(map[string]*SQLiteStore)}
}

func (p *SQLiteProvider) Workspace(_ context.Context, workspaceID string) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[workspaceID]
	if !ok {
		s = NewSQLiteStore(p.db, workspaceID)
		p.stores[workspaceID] = s
	}
	return s, nil
}

func (p *SQLiteProvider) Close() error { return p.db.Close() }
