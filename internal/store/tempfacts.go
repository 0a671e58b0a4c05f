package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempStatus is the lifecycle state of a temp fact.
type TempStatus string

const (
	StatusPending       TempStatus = "pending"
	StatusPendingReview TempStatus = "pending_review"
	StatusApproved      TempStatus = "approved"
	StatusRejected      TempStatus = "rejected"
	StatusConsolidated  TempStatus = "consolidated"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TempStatus{
	StatusPending, StatusPendingReview, StatusApproved, StatusRejected, StatusConsolidated,
}

// transitions is the legal transition table. Moving to rejected from any
// non-terminal state is the explicit reject path.
var transitions = map[TempStatus][]TempStatus{
	StatusPending:       {StatusPendingReview, StatusApproved, StatusRejected},
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusApproved:      {StatusConsolidated, StatusRejected},
}

// ErrIllegalTransition is returned for a transition not in the table.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrStaleStatus is returned when a temp fact is no longer in the expected
// status, usually because another writer moved it first.
var ErrStaleStatus = errors.New("temp fact status changed concurrently")

// Valid reports whether s is a known status.
func (s TempStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s TempStatus) Terminal() bool {
	return s == StatusRejected || s == StatusConsolidated
}

// CanTransition reports whether s → to is legal. Re-entering pending_review
// (a rescore that leaves the decision unchanged) is allowed.
func (s TempStatus) CanTransition(to TempStatus) bool {
	if s == StatusPendingReview && to == StatusPendingReview {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a TempStatus.
func ParseStatus(s string) (TempStatus, error) {
	st := TempStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Scores is the breakdown produced by consolidation scoring.
type Scores struct {
	Permanence float64 `json:"permanence"`
	Relevance  float64 `json:"relevance"`
	Identity   float64 `json:"identity"`
	Total      float64 `json:"total"`
}

// TempFact is a provisional observation awaiting consolidation.
type TempFact struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Source    string     `json:"source,omitempty"`
	HintKey   string     `json:"hint_key,omitempty"`
	Status    TempStatus `json:"status"`
	Scores    Scores     `json:"scores"`
	Reason    string     `json:"reason,omitempty"`
	Processed bool       `json:"processed"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

const tempColumns = `id, text, source, hint_key, status, permanence, relevance, identity, total,
	reason, processed, created_at, updated_at`

// InsertTempFact stores a new temp fact in the pending state. An ID is
// generated when empty.
func (db *DB) InsertTempFact(ctx context.Context, tf *TempFact) error {
	tf.Text = strings.TrimSpace(tf.Text)
	if tf.Text == "" {
		return fmt.Errorf("insert temp fact: text is required")
	}
	if tf.ID == "" {
		tf.ID = ulid.Make().String()
	}

	now := time.Now().UnixMilli()
	tf.Status = StatusPending
	tf.Scores = Scores{}
	tf.Reason = ""
	tf.Processed = false
	tf.CreatedAt = now
	tf.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO temp_facts (id, text, source, hint_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tf.ID, tf.Text, tf.Source, tf.HintKey, string(tf.Status), now, now)
	if err != nil {
		return fmt.Errorf("insert temp fact: %w", err)
	}
	return nil
}

// GetTempFact returns a temp fact by ID, or nil if not found.
func (db *DB) GetTempFact(ctx context.Context, id string) (*TempFact, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+tempColumns+` FROM temp_facts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get temp fact: %w", err)
	}
	defer rows.Close()

	tfs, err := scanTempFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(tfs) == 0 {
		return nil, nil
	}
	return &tfs[0], nil
}

// ListTempFacts returns temp facts in the given statuses (all when none are
// given), oldest first.
func (db *DB) ListTempFacts(ctx context.Context, statuses ...TempStatus) ([]TempFact, error) {
	query := `SELECT ` + tempColumns + ` FROM temp_facts`
	var args []any
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(ph, ",") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list temp facts: %w", err)
	}
	defer rows.Close()
	return scanTempFacts(rows)
}

// ListOpenTempFacts returns temp facts that still need pipeline work:
// unprocessed and not in a terminal status.
func (db *DB) ListOpenTempFacts(ctx context.Context) ([]TempFact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+tempColumns+` FROM temp_facts
		WHERE processed = 0 AND status IN ('pending', 'pending_review', 'approved')
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list open temp facts: %w", err)
	}
	defer rows.Close()
	return scanTempFacts(rows)
}

// TransitionTempFact moves a temp fact from one status to another, recording
// scores and reason. The update only applies if the row is still in from;
// terminal targets also set the processed flag.
func (db *DB) TransitionTempFact(ctx context.Context, id string, from, to TempStatus, scores Scores, reason string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("temp fact %s %s → %s: %w", id, from, to, ErrIllegalTransition)
	}

	processed := 0
	if to.Terminal() {
		processed = 1
	}
	now := time.Now().UnixMilli()

	res, err := db.ExecContext(ctx, `
		UPDATE temp_facts SET status = ?, permanence = ?, relevance = ?, identity = ?, total = ?,
			reason = ?, processed = ?, updated_at = ?
		WHERE id = ? AND status = ? AND processed = 0
	`, string(to), scores.Permanence, scores.Relevance, scores.Identity, scores.Total,
		reason, processed, now, id, string(from))
	if err != nil {
		return fmt.Errorf("transition temp fact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	existing, err := db.GetTempFact(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("transition temp fact %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("transition temp fact %s (now %s): %w", id, existing.Status, ErrStaleStatus)
}

// CountTempFacts returns the number of temp facts per status. Every status is
// present in the result.
func (db *DB) CountTempFacts(ctx context.Context) (map[TempStatus]int, error) {
	counts := make(map[TempStatus]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM temp_facts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count temp facts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan temp count: %w", err)
		}
		counts[TempStatus(s)] = n
	}
	return counts, rows.Err()
}

func scanTempFacts(rows *sql.Rows) ([]TempFact, error) {
	var tfs []TempFact
	for rows.Next() {
		var tf TempFact
		var status string
		var processed int
		if err := rows.Scan(&tf.ID, &tf.Text, &tf.Source, &tf.HintKey, &status,
			&tf.Scores.Permanence, &tf.Scores.Relevance, &tf.Scores.Identity, &tf.Scores.Total,
			&tf.Reason, &processed, &tf.CreatedAt, &tf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan temp fact: %w", err)
		}
		tf.Status = TempStatus(status)
		tf.Processed = processed != 0
		tfs = append(tfs, tf)
	}
	return tfs, rows.Err()
}
