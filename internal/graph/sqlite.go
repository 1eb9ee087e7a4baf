package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"idgov/internal/domain"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps the graph in the metastore's graph_nodes and graph_edges
// tables. Writes go through the single-connection write pool.
type SQLiteStore struct {
	write *sql.DB
	read  *sql.DB
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store over a migrated metastore.
func NewSQLiteStore(write, read *sql.DB) *SQLiteStore {
	return &SQLiteStore{write: write, read: read, now: time.Now}
}

// Update runs fn in one transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin graph transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stamp := s.now().UTC().Format(sqliteTimeLayout)
	if err := fn(ctx, &sqliteTx{tx: tx, stamp: stamp}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit graph transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx    *sql.Tx
	stamp string
}

func (t *sqliteTx) MergeNode(ctx context.Context, ref NodeRef, props map[string]any) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged[KeyProperty(ref.Label)] = ref.Key
	raw, err := encodeProps(merged)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (label, key, props, created_at, updated_at)
		VALUES (?, ?, json(?), ?, ?)
		ON CONFLICT (label, key) DO UPDATE
		SET props = json_patch(graph_nodes.props, excluded.props), updated_at = excluded.updated_at`,
		ref.Label, ref.Key, raw, t.stamp, t.stamp)
	if err != nil {
		return fmt.Errorf("merge %s %s: %w", ref.Label, ref.Key, err)
	}
	return nil
}

func (t *sqliteTx) ensureNode(ctx context.Context, ref NodeRef) error {
	raw, err := encodeProps(map[string]any{KeyProperty(ref.Label): ref.Key})
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (label, key, props, created_at, updated_at)
		VALUES (?, ?, json(?), ?, ?)
		ON CONFLICT (label, key) DO NOTHING`,
		ref.Label, ref.Key, raw, t.stamp, t.stamp)
	if err != nil {
		return fmt.Errorf("ensure %s %s: %w", ref.Label, ref.Key, err)
	}
	return nil
}

func (t *sqliteTx) MergeEdge(ctx context.Context, e EdgeSpec) error {
	if err := validateEdge(e.From, e.Rel, e.To); err != nil {
		return err
	}
	if err := t.ensureNode(ctx, e.From); err != nil {
		return err
	}
	if err := t.ensureNode(ctx, e.To); err != nil {
		return err
	}

	onCreate, err := encodeProps(e.SetOnCreate)
	if err != nil {
		return err
	}
	set, err := encodeProps(e.Set)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO graph_edges (from_label, from_key, rel, to_label, to_key, props, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, json_patch(json(?), json(?)), ?, ?)
		ON CONFLICT (from_label, from_key, rel, to_label, to_key) DO UPDATE
		SET props = json_patch(graph_edges.props, json(?)), updated_at = excluded.updated_at`,
		e.From.Label, e.From.Key, e.Rel, e.To.Label, e.To.Key, onCreate, set, t.stamp, t.stamp, set)
	if err != nil {
		return fmt.Errorf("merge %s-[%s]->%s: %w", e.From.Key, e.Rel, e.To.Key, err)
	}
	return nil
}

func (t *sqliteTx) HasEdge(ctx context.Context, from NodeRef, rel string, to NodeRef) (bool, error) {
	if err := validateEdge(from, rel, to); err != nil {
		return false, err
	}
	var one int
	err := t.tx.QueryRowContext(ctx, `
		SELECT 1 FROM graph_edges
		WHERE from_label = ? AND from_key = ? AND rel = ? AND to_label = ? AND to_key = ?`,
		from.Label, from.Key, rel, to.Label, to.Key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s-[%s]->%s: %w", from.Key, rel, to.Key, err)
	}
	return true, nil
}

func (t *sqliteTx) FindNodes(ctx context.Context, label, prop string, value any) ([]string, error) {
	if !identRe.MatchString(label) || !identRe.MatchString(prop) {
		return nil, domain.ErrValidation("invalid label or property %q.%q", label, prop)
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key FROM graph_nodes
		WHERE label = ? AND json_extract(props, '$.' || ?) = ?
		ORDER BY key`, label, prop, value)
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", label, prop, err)
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Counts returns node and edge totals.
func (s *SQLiteStore) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{ByLabel: map[string]int64{}, ByRel: map[string]int64{}}

	if err := s.groupCount(ctx, `SELECT label, COUNT(*) FROM graph_nodes GROUP BY label`, c.ByLabel, &c.Nodes); err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	if err := s.groupCount(ctx, `SELECT rel, COUNT(*) FROM graph_edges GROUP BY rel`, c.ByRel, &c.Edges); err != nil {
		return nil, fmt.Errorf("count edges: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) groupCount(ctx context.Context, query string, into map[string]int64, total *int64) error {
	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return err
		}
		into[name] = n
		*total += n
	}
	return rows.Err()
}

// Node loads one node.
func (s *SQLiteStore) Node(ctx context.Context, ref NodeRef) (*Node, error) {
	var raw string
	err := s.read.QueryRowContext(ctx, `SELECT props FROM graph_nodes WHERE label = ? AND key = ?`,
		ref.Label, ref.Key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("%s %q not found", ref.Label, ref.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", ref.Label, ref.Key, err)
	}
	props, err := decodeProps(raw)
	if err != nil {
		return nil, err
	}
	return &Node{NodeRef: ref, Props: props}, nil
}

// Edge loads one edge.
func (s *SQLiteStore) Edge(ctx context.Context, from NodeRef, rel string, to NodeRef) (*Edge, error) {
	var raw string
	err := s.read.QueryRowContext(ctx, `
		SELECT props FROM graph_edges
		WHERE from_label = ? AND from_key = ? AND rel = ? AND to_label = ? AND to_key = ?`,
		from.Label, from.Key, rel, to.Label, to.Key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("edge %s-[%s]->%s not found", from.Key, rel, to.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("get edge %s-[%s]->%s: %w", from.Key, rel, to.Key, err)
	}
	props, err := decodeProps(raw)
	if err != nil {
		return nil, err
	}
	return &Edge{From: from, Rel: rel, To: to, Props: props}, nil
}

// Edges lists every edge of one relation type.
func (s *SQLiteStore) Edges(ctx context.Context, rel string) ([]Edge, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT from_label, from_key, to_label, to_key, props FROM graph_edges
		WHERE rel = ? ORDER BY from_key, to_key`, rel)
	if err != nil {
		return nil, fmt.Errorf("list %s edges: %w", rel, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Edge
	for rows.Next() {
		var (
			e   Edge
			raw string
		)
		if err := rows.Scan(&e.From.Label, &e.From.Key, &e.To.Label, &e.To.Key, &raw); err != nil {
			return nil, err
		}
		e.Rel = rel
		if e.Props, err = decodeProps(raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close is a no-op; the pools belong to the caller.
func (s *SQLiteStore) Close(context.Context) error { return nil }

func encodeProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(raw), nil
}

func decodeProps(raw string) (map[string]any, error) {
	props := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}
