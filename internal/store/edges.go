package store

import (
	"context"
	"fmt"
)

// Edge is a persisted undirected association between two concepts. A is
// always the lexically smaller concept.
type Edge struct {
	A         string
	B         string
	Strength  float64
	LastFired int64
}

// EdgeKey canonicalises a concept pair so that a < b.
func EdgeKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// LoadEdges returns every stored edge ordered by (a, b).
func (db *DB) LoadEdges(ctx context.Context) ([]Edge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT concept_a, concept_b, strength, last_fired
		FROM concept_edges ORDER BY concept_a, concept_b
	`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.A, &e.B, &e.Strength, &e.LastFired); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SaveEdges upserts edges in a single transaction.
func (db *DB) SaveEdges(ctx context.Context, edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save edges: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO concept_edges (concept_a, concept_b, strength, last_fired)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(concept_a, concept_b) DO UPDATE SET strength = excluded.strength, last_fired = excluded.last_fired
	`)
	if err != nil {
		return fmt.Errorf("prepare save edges: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if e.A == e.B {
			return fmt.Errorf("save edge %s: self-loop", e.A)
		}
		if e.Strength < 0 || e.Strength > 1 {
			return fmt.Errorf("save edge %s-%s: strength %.4f out of range", e.A, e.B, e.Strength)
		}
		a, b := EdgeKey(e.A, e.B)
		if _, err := stmt.ExecContext(ctx, a, b, e.Strength, e.LastFired); err != nil {
			return fmt.Errorf("save edge %s-%s: %w", a, b, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save edges: %w", err)
	}
	return nil
}

// DeleteEdges removes the given concept pairs in a single transaction.
func (db *DB) DeleteEdges(ctx context.Context, pairs [][2]string) error {
	if len(pairs) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete edges: %w", err)
	}
	defer tx.Rollback()

	for _, p := range pairs {
		a, b := EdgeKey(p[0], p[1])
		if _, err := tx.ExecContext(ctx, `DELETE FROM concept_edges WHERE concept_a = ? AND concept_b = ?`, a, b); err != nil {
			return fmt.Errorf("delete edge %s-%s: %w", a, b, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete edges: %w", err)
	}
	return nil
}

// CountEdges returns the number of stored edges.
func (db *DB) CountEdges(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM concept_edges`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}
