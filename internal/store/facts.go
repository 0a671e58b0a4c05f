package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Fact is a single keyed record owned by one thread scope, held at three
// resolutions.
type Fact struct {
	ID          int64
	Scope       string
	Key         string
	Brief       string
	Standard    string
	Detailed    string
	Weight      float64
	Protected   bool
	AccessCount int
	LastAccess  *int64
	Source      string
	CreatedAt   int64
	UpdatedAt   int64
}

// Text returns the rendering for detail level 1 (brief), 2 (standard) or
// 3 (detailed). An empty string means the fact is not visible at that level.
func (f *Fact) Text(level int) string {
	switch level {
	case 1:
		return f.Brief
	case 2:
		return f.Standard
	case 3:
		return f.Detailed
	}
	return ""
}

// ErrWeightRange is returned when a fact's weight falls outside [0, 1].
var ErrWeightRange = errors.New("weight must be within [0, 1]")

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// unchanged reports whether writing next over prev would be churn.
func unchanged(prev, next *Fact) bool {
	return prev.Weight == next.Weight &&
		prev.Protected == (prev.Protected || next.Protected) &&
		prev.Source == next.Source &&
		sameText(prev.Brief, next.Brief) &&
		sameText(prev.Standard, next.Standard) &&
		sameText(prev.Detailed, next.Detailed)
}

const factColumns = `id, scope, key, brief, standard, detailed, weight, protected,
	access_count, last_access, source, created_at, updated_at`

// UpsertFact creates the fact or updates it in place. The protected flag is
// sticky: once set it is never cleared by an upsert. Writes that change
// nothing but surrounding whitespace are skipped so updated_at stays stable.
// On return f reflects the stored row.
func (db *DB) UpsertFact(ctx context.Context, f *Fact) error {
	if f.Scope == "" || f.Key == "" {
		return fmt.Errorf("upsert fact: scope and key are required")
	}
	if f.Weight < 0 || f.Weight > 1 {
		return fmt.Errorf("upsert fact %s/%s: %w", f.Scope, f.Key, ErrWeightRange)
	}

	existing, err := db.GetFact(ctx, f.Scope, f.Key)
	if err != nil {
		return err
	}
	if existing != nil && unchanged(existing, f) {
		*f = *existing
		return nil
	}

	now := time.Now().UnixMilli()
	protected := 0
	if f.Protected {
		protected = 1
	}

	var lastAccess sql.NullInt64
	dest := factDest(f)
	dest[9] = &lastAccess
	err = db.QueryRowContext(ctx, `
		INSERT INTO facts (scope, key, brief, standard, detailed, weight, protected, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			brief = excluded.brief,
			standard = excluded.standard,
			detailed = excluded.detailed,
			weight = excluded.weight,
			protected = MAX(facts.protected, excluded.protected),
			source = excluded.source,
			updated_at = excluded.updated_at
		RETURNING `+factColumns,
		f.Scope, f.Key, f.Brief, f.Standard, f.Detailed, f.Weight, protected, f.Source, now, now,
	).Scan(dest...)
	if err != nil {
		return fmt.Errorf("upsert fact %s/%s: %w", f.Scope, f.Key, err)
	}
	f.LastAccess = nil
	if lastAccess.Valid {
		f.LastAccess = &lastAccess.Int64
	}
	return nil
}

// GetFact returns a fact by scope and key, or nil if not found.
func (db *DB) GetFact(ctx context.Context, scope, key string) (*Fact, error) {
	var f Fact
	var lastAccess sql.NullInt64
	dest := factDest(&f)
	dest[9] = &lastAccess
	err := db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE scope = ? AND key = ?`, scope, key).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	if lastAccess.Valid {
		f.LastAccess = &lastAccess.Int64
	}
	return &f, nil
}

// ListFacts returns every fact in a scope, ordered by weight DESC, then most
// recently updated, then key.
func (db *DB) ListFacts(ctx context.Context, scope string) ([]Fact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM facts WHERE scope = ?
		ORDER BY weight DESC, updated_at DESC, key ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ListFactsUpdatedSince returns facts in any scope updated at or after the
// given unix-millisecond watermark, oldest first. The bound is inclusive so
// callers tracking a cursor see writes that land in the watermark's
// millisecond.
func (db *DB) ListFactsUpdatedSince(ctx context.Context, since int64) ([]Fact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM facts WHERE updated_at >= ?
		ORDER BY updated_at ASC, id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list facts since: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// TouchFact records an access to a fact.
func (db *DB) TouchFact(ctx context.Context, scope, key string) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE facts SET last_access = ?, access_count = access_count + 1
		WHERE scope = ? AND key = ?
	`, now, scope, key)
	if err != nil {
		return fmt.Errorf("touch fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch fact %s/%s: %w", scope, key, ErrNotFound)
	}
	return nil
}

// DeleteFact removes an unprotected fact.
func (db *DB) DeleteFact(ctx context.Context, scope, key string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM facts WHERE scope = ? AND key = ? AND protected = 0`, scope, key)
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	existing, err := db.GetFact(ctx, scope, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("delete fact %s/%s: %w", scope, key, ErrNotFound)
	}
	return fmt.Errorf("delete fact %s/%s: %w", scope, key, ErrProtected)
}

// CountFacts returns the number of facts per scope.
func (db *DB) CountFacts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT scope, COUNT(*) FROM facts GROUP BY scope`)
	if err != nil {
		return nil, fmt.Errorf("count facts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("scan fact count: %w", err)
		}
		counts[scope] = n
	}
	return counts, rows.Err()
}

// factDest returns scan destinations in factColumns order. Callers that need
// NULL handling replace index 9 (last_access).
func factDest(f *Fact) []any {
	return []any{&f.ID, &f.Scope, &f.Key, &f.Brief, &f.Standard, &f.Detailed,
		&f.Weight, &f.Protected, &f.AccessCount, new(sql.NullInt64), &f.Source,
		&f.CreatedAt, &f.UpdatedAt}
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		var f Fact
		var lastAccess sql.NullInt64
		dest := factDest(&f)
		dest[9] = &lastAccess
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if lastAccess.Valid {
			f.LastAccess = &lastAccess.Int64
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
