package graph

import "context"

// NodeStore is node CRUD. PutNode upserts; DeleteNode of an absent node is
// not an error.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*Node, error)
	PutNode(ctx context.Context, n *Node) error
	DeleteNode(ctx context.Context, id string) error
	// ListNodes returns nodes of a type, or all nodes when nodeType is empty.
	ListNodes(ctx context.Context, nodeType string) ([]*Node, error)
}

// RelationshipStore is relationship CRUD plus adjacency lookups.
type RelationshipStore interface {
	GetRelationship(ctx context.Context, id string) (*Relationship, error)
	PutRelationship(ctx context.Context, r *Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
	RelationshipsFrom(ctx context.Context, nodeID string) ([]*Relationship, error)
	RelationshipsTo(ctx context.Context, nodeID string) ([]*Relationship, error)
	RelationshipsByOrigin(ctx context.Context, origin string) ([]*Relationship, error)
	ListRelationships(ctx context.Context) ([]*Relationship, error)
}

// Store is the full graph store for one workspace.
type Store interface {
	NodeStore
	RelationshipStore
}

// Reader is the read-only subset used by planning and impact analysis.
type Reader interface {
	GetNode(ctx context.Context, id string) (*Node, error)
	GetRelationship(ctx context.Context, id string) (*Relationship, error)
	RelationshipsFrom(ctx context.Context, nodeID string) ([]*Relationship, error)
	RelationshipsTo(ctx context.Context, nodeID string) ([]*Relationship, error)
	RelationshipsByOrigin(ctx context.Context, origin string) ([]*Relationship, error)
	ListNodes(ctx context.Context, nodeType string) ([]*Node, error)
	ListRelationships(ctx context.Context) ([]*Relationship, error)
}

// Transactional is implemented by stores that can run several writes
// atomically. fn receives a store bound to the transaction; returning an
// error discards every write made through it.
type Transactional interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Provider hands out the store of a workspace.
type Provider interface {
	Workspace(ctx context.Context, workspaceID string) (Store, error)
	Close() error
}
