// Package graph is the merge-only property graph the projector writes to.
// Nodes are identified by (label, natural key) and edges by
// (source, relation, target); nothing is ever deleted.
package graph

import (
	"context"
	"regexp"

	"idgov/internal/domain"
)

// Node labels.
const (
	LabelUser        = "User"
	LabelGroup       = "Group"
	LabelRole        = "Role"
	LabelDepartment  = "Department"
	LabelAuditLog    = "AuditLog"
	LabelSignInLog   = "SignInLog"
	LabelActivityLog = "ActivityLog"
	LabelAccessEvent = "AccessEvent"
	LabelResource    = "Resource"
)

// Relation types.
const (
	RelHasRole     = "HAS_ROLE"
	RelMemberOf    = "MEMBER_OF"
	RelBelongsTo   = "BELONGS_TO"
	RelHasADGroup  = "HAS_AD_GROUP"
	RelNestedUnder = "NESTED_UNDER"
	RelChildOf     = "CHILD_OF"
	RelInitiated   = "INITIATED"
	RelAccessed    = "ACCESSED"
	RelFirstAccess = "FIRST_ACCESS"
	RelSubjectOf   = "SUBJECT_OF"
)

// KeyProperty returns the property that holds a node's natural key.
func KeyProperty(label string) string {
	if label == LabelDepartment {
		return "name"
	}
	return "id"
}

// NodeRef identifies a node.
type NodeRef struct {
	Label string
	Key   string
}

// Ref is shorthand for NodeRef{label, key}.
func Ref(label, key string) NodeRef { return NodeRef{Label: label, Key: key} }

// Node is a stored node.
type Node struct {
	NodeRef
	Props map[string]any
}

// EdgeSpec describes an edge merge. SetOnCreate is written only when the
// edge is created; Set is written on every merge and wins on overlap.
type EdgeSpec struct {
	From        NodeRef
	Rel         string
	To          NodeRef
	SetOnCreate map[string]any
	Set         map[string]any
}

// Edge is a stored edge.
type Edge struct {
	From  NodeRef
	Rel   string
	To    NodeRef
	Props map[string]any
}

// Tx is a write transaction.
type Tx interface {
	// MergeNode creates the node if absent and merges props into it.
	MergeNode(ctx context.Context, ref NodeRef, props map[string]any) error
	// MergeEdge merges both endpoints as bare nodes, then the edge.
	MergeEdge(ctx context.Context, e EdgeSpec) error
	HasEdge(ctx context.Context, from NodeRef, rel string, to NodeRef) (bool, error)
	// FindNodes returns the keys of label nodes whose prop equals value.
	FindNodes(ctx context.Context, label, prop string, value any) ([]string, error)
}

// Counts summarizes graph size.
type Counts struct {
	Nodes   int64
	Edges   int64
	ByLabel map[string]int64
	ByRel   map[string]int64
}

// Store is a merge-only graph database.
type Store interface {
	// Update runs fn in one write transaction. An error from fn rolls back
	// every write fn made.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Counts(ctx context.Context) (*Counts, error)
	// Node returns a NotFoundError when absent.
	Node(ctx context.Context, ref NodeRef) (*Node, error)
	// Edge returns a NotFoundError when absent.
	Edge(ctx context.Context, from NodeRef, rel string, to NodeRef) (*Edge, error)
	Edges(ctx context.Context, rel string) ([]Edge, error)
	Close(ctx context.Context) error
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateRef(ref NodeRef) error {
	if !identRe.MatchString(ref.Label) {
		return domain.ErrValidation("invalid node label %q", ref.Label)
	}
	if ref.Key == "" {
		return domain.ErrValidation("%s node requires a key", ref.Label)
	}
	return nil
}

func validateEdge(from NodeRef, rel string, to NodeRef) error {
	if err := validateRef(from); err != nil {
		return err
	}
	if err := validateRef(to); err != nil {
		return err
	}
	if !identRe.MatchString(rel) {
		return domain.ErrValidation("invalid relation type %q", rel)
	}
	return nil
}
