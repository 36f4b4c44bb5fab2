package graph

import (
	"time"

	"github.com/google/uuid"
)

// ChangeKind is the mutation performed by a Change.
type ChangeKind string

const (
	NodeAdded           ChangeKind = "node_added"
	NodeUpdated         ChangeKind = "node_updated"
	NodeDeleted         ChangeKind = "node_deleted"
	RelationshipAdded   ChangeKind = "relationship_added"
	RelationshipUpdated ChangeKind = "relationship_updated"
	RelationshipDeleted ChangeKind = "relationship_deleted"
)

// IsNode reports whether the kind mutates a node.
func (k ChangeKind) IsNode() bool {
	return k == NodeAdded || k == NodeUpdated || k == NodeDeleted
}

// Change is one graph mutation. It is not modified after creation.
type Change struct {
	ID         string        `json:"id"`
	Kind       ChangeKind    `json:"kind"`
	EntityType string        `json:"entityType"`
	EntityID   string        `json:"entityId"`
	OldNode    *Node         `json:"oldNode,omitempty"`
	NewNode    *Node         `json:"newNode,omitempty"`
	OldRel     *Relationship `json:"oldRelationship,omitempty"`
	NewRel     *Relationship `json:"newRelationship,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	RelatedIDs []string      `json:"relatedIds,omitempty"`
}

// NewNodeChange builds a node mutation.
func NewNodeChange(kind ChangeKind, old, next *Node) Change {
	c := Change{ID: uuid.NewString(), Kind: kind, OldNode: old, NewNode: next, Timestamp: time.Now()}
	n := next
	if n == nil {
		n = old
	}
	c.EntityType = n.Type
	c.EntityID = n.ID
	return c
}

// NewRelationshipChange builds a relationship mutation. The endpoints are
// recorded as related IDs.
func NewRelationshipChange(kind ChangeKind, old, next *Relationship) Change {
	c := Change{ID: uuid.NewString(), Kind: kind, OldRel: old, NewRel: next, Timestamp: time.Now()}
	r := next
	if r == nil {
		r = old
	}
	c.EntityType = r.Type
	c.EntityID = r.ID
	c.RelatedIDs = []string{r.From, r.To}
	return c
}

// Preimage is the state of one entity before a batch touched it. A nil
// Node/Relationship means the entity did not exist.
type Preimage struct {
	IsNode       bool          `json:"isNode"`
	ID           string        `json:"id"`
	Node         *Node         `json:"node,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`
}

// Batch is the unit of atomic application.
type Batch struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Changes     []Change   `json:"changes"`
	CreatedAt   time.Time  `json:"createdAt"`
	AppliedAt   *time.Time `json:"appliedAt,omitempty"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	Rollback    []Preimage `json:"rollback,omitempty"`
	// RolledBackAt is set once the batch has been undone on demand.
	RolledBackAt *time.Time `json:"rolledBackAt,omitempty"`
}

// NewBatch creates an unapplied batch.
func NewBatch(workspaceID string, changes []Change) *Batch {
	return &Batch{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Changes:     changes,
		CreatedAt:   time.Now(),
	}
}

// Touched returns the IDs of every node the batch mutated or connected, in
// first-seen order.
func (b *Batch) Touched() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, c := range b.Changes {
		if c.Kind.IsNode() {
			add(c.EntityID)
			continue
		}
		for _, id := range c.RelatedIDs {
			add(id)
		}
	}
	return out
}
