package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"idgov/internal/domain"
)

// Neo4jStore writes the graph to a Neo4j database with MERGE statements.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ Store = (*Neo4jStore)(nil)

// Neo4jOptions holds connection settings.
type Neo4jOptions struct {
	URI      string
	Username string
	Password string
	Database string // empty selects the server default
}

// NewNeo4jStore connects and verifies connectivity.
func NewNeo4jStore(ctx context.Context, opts Neo4jOptions) (*Neo4jStore, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("neo4j URI is required")
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j at %s: %w", opts.URI, err)
	}
	return &Neo4jStore{driver: driver, database: opts.Database}, nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// Update runs fn inside a managed write transaction. The driver retries the
// whole function on transient cluster errors.
func (s *Neo4jStore) Update(ctx context.Context, fn func(context.Context, Tx) error) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx) //nolint:errcheck

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, &neo4jTx{tx: tx})
	})
	return err
}

type neo4jTx struct {
	tx neo4j.ManagedTransaction
}

func (t *neo4jTx) MergeNode(ctx context.Context, ref NodeRef, props map[string]any) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if props == nil {
		props = map[string]any{}
	}
	_, err := t.tx.Run(ctx, mergeNodeCypher(ref.Label), map[string]any{"key": ref.Key, "props": props})
	if err != nil {
		return fmt.Errorf("merge %s %s: %w", ref.Label, ref.Key, err)
	}
	return nil
}

func (t *neo4jTx) MergeEdge(ctx context.Context, e EdgeSpec) error {
	if err := validateEdge(e.From, e.Rel, e.To); err != nil {
		return err
	}
	params := map[string]any{
		"fromKey":  e.From.Key,
		"toKey":    e.To.Key,
		"onCreate": nonNil(e.SetOnCreate),
		"set":      nonNil(e.Set),
	}
	if _, err := t.tx.Run(ctx, mergeEdgeCypher(e.From.Label, e.Rel, e.To.Label), params); err != nil {
		return fmt.Errorf("merge %s-[%s]->%s: %w", e.From.Key, e.Rel, e.To.Key, err)
	}
	return nil
}

func (t *neo4jTx) HasEdge(ctx context.Context, from NodeRef, rel string, to NodeRef) (bool, error) {
	if err := validateEdge(from, rel, to); err != nil {
		return false, err
	}
	res, err := t.tx.Run(ctx, matchEdgeCypher(from.Label, rel, to.Label)+" RETURN count(r) > 0 AS found",
		map[string]any{"fromKey": from.Key, "toKey": to.Key})
	if err != nil {
		return false, fmt.Errorf("check %s-[%s]->%s: %w", from.Key, rel, to.Key, err)
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return false, err
	}
	found, _, err := neo4j.GetRecordValue[bool](rec, "found")
	return found, err
}

func (t *neo4jTx) FindNodes(ctx context.Context, label, prop string, value any) ([]string, error) {
	if !identRe.MatchString(label) || !identRe.MatchString(prop) {
		return nil, domain.ErrValidation("invalid label or property %q.%q", label, prop)
	}
	query := fmt.Sprintf("MATCH (n:`%s`) WHERE n.`%s` = $value RETURN n.`%s` AS key ORDER BY key",
		label, prop, KeyProperty(label))
	res, err := t.tx.Run(ctx, query, map[string]any{"value": value})
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", label, prop, err)
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		k, _, err := neo4j.GetRecordValue[string](rec, "key")
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Counts returns node and edge totals.
func (s *Neo4jStore) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{ByLabel: map[string]int64{}, ByRel: map[string]int64{}}
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		if err := groupCount(ctx, tx, "MATCH (n) UNWIND labels(n) AS name RETURN name, count(*) AS n", c.ByLabel, &c.Nodes); err != nil {
			return err
		}
		return groupCount(ctx, tx, "MATCH ()-[r]->() RETURN type(r) AS name, count(*) AS n", c.ByRel, &c.Edges)
	})
	if err != nil {
		return nil, fmt.Errorf("count graph: %w", err)
	}
	return c, nil
}

func groupCount(ctx context.Context, tx neo4j.ManagedTransaction, query string, into map[string]int64, total *int64) error {
	res, err := tx.Run(ctx, query, nil)
	if err != nil {
		return err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		name, _, err := neo4j.GetRecordValue[string](rec, "name")
		if err != nil {
			return err
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "n")
		if err != nil {
			return err
		}
		into[name] = n
		*total += n
	}
	return nil
}

// Node loads one node.
func (s *Neo4jStore) Node(ctx context.Context, ref NodeRef) (*Node, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	var node *Node
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		query := fmt.Sprintf("MATCH (n:`%s` {`%s`: $key}) RETURN n", ref.Label, KeyProperty(ref.Label))
		res, err := tx.Run(ctx, query, map[string]any{"key": ref.Key})
		if err != nil {
			return err
		}
		records, err := res.Collect(ctx)
		if err != nil || len(records) == 0 {
			return err
		}
		n, _, err := neo4j.GetRecordValue[neo4j.Node](records[0], "n")
		if err != nil {
			return err
		}
		node = &Node{NodeRef: ref, Props: n.Props}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", ref.Label, ref.Key, err)
	}
	if node == nil {
		return nil, domain.ErrNotFound("%s %q not found", ref.Label, ref.Key)
	}
	return node, nil
}

// Edge loads one edge.
func (s *Neo4jStore) Edge(ctx context.Context, from NodeRef, rel string, to NodeRef) (*Edge, error) {
	if err := validateEdge(from, rel, to); err != nil {
		return nil, err
	}
	var edge *Edge
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, matchEdgeCypher(from.Label, rel, to.Label)+" RETURN r",
			map[string]any{"fromKey": from.Key, "toKey": to.Key})
		if err != nil {
			return err
		}
		records, err := res.Collect(ctx)
		if err != nil || len(records) == 0 {
			return err
		}
		r, _, err := neo4j.GetRecordValue[neo4j.Relationship](records[0], "r")
		if err != nil {
			return err
		}
		edge = &Edge{From: from, Rel: rel, To: to, Props: r.Props}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get edge %s-[%s]->%s: %w", from.Key, rel, to.Key, err)
	}
	if edge == nil {
		return nil, domain.ErrNotFound("edge %s-[%s]->%s not found", from.Key, rel, to.Key)
	}
	return edge, nil
}

// Edges lists every edge of one relation type.
func (s *Neo4jStore) Edges(ctx context.Context, rel string) ([]Edge, error) {
	if !identRe.MatchString(rel) {
		return nil, domain.ErrValidation("invalid relation type %q", rel)
	}
	var out []Edge
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		query := fmt.Sprintf("MATCH (a)-[r:`%s`]->(b) RETURN a, r, b", rel)
		res, err := tx.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			a, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "a")
			if err != nil {
				return err
			}
			r, _, err := neo4j.GetRecordValue[neo4j.Relationship](rec, "r")
			if err != nil {
				return err
			}
			b, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "b")
			if err != nil {
				return err
			}
			out = append(out, Edge{From: refOf(a), Rel: rel, To: refOf(b), Props: r.Props})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s edges: %w", rel, err)
	}
	return out, nil
}

// Close closes the driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) read(ctx context.Context, fn func(neo4j.ManagedTransaction) error) error {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx) //nolint:errcheck
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func refOf(n neo4j.Node) NodeRef {
	if len(n.Labels) == 0 {
		return NodeRef{}
	}
	label := n.Labels[0]
	key, _ := n.Props[KeyProperty(label)].(string)
	return NodeRef{Label: label, Key: key}
}

func mergeNodeCypher(label string) string {
	return fmt.Sprintf("MERGE (n:`%s` {`%s`: $key}) SET n += $props", label, KeyProperty(label))
}

func mergeEdgeCypher(fromLabel, rel, toLabel string) string {
	return fmt.Sprintf("MERGE (a:`%s` {`%s`: $fromKey}) MERGE (b:`%s` {`%s`: $toKey}) "+
		"MERGE (a)-[r:`%s`]->(b) ON CREATE SET r += $onCreate SET r += $set",
		fromLabel, KeyProperty(fromLabel), toLabel, KeyProperty(toLabel), rel)
}

func matchEdgeCypher(fromLabel, rel, toLabel string) string {
	return fmt.Sprintf("MATCH (a:`%s` {`%s`: $fromKey})-[r:`%s`]->(b:`%s` {`%s`: $toKey})",
		fromLabel, KeyProperty(fromLabel), rel, toLabel, KeyProperty(toLabel))
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
