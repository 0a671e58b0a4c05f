package consolidation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/store"
)

const maxTextLen = 4000

// ErrInvalid marks a submission rejected before it reaches the store.
var ErrInvalid = errors.New("invalid temp fact")

// Inbox accepts temp facts from the extraction process. Every submission is
// stored the same way whatever its source.
type Inbox struct {
	db  *store.DB
	log *zap.Logger
}

func NewInbox(db *store.DB, log *zap.Logger) *Inbox {
	return &Inbox{db: db, log: logging.OrNop(log)}
}

// Submit validates and stores a new pending temp fact.
func (in *Inbox) Submit(ctx context.Context, text, source, hint string) (*store.TempFact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("submit: %w: text is required", ErrInvalid)
	}
	if len(text) > maxTextLen {
		return nil, fmt.Errorf("submit: %w: text too long (%d bytes, max %d)", ErrInvalid, len(text), maxTextLen)
	}
	hint = strings.TrimSpace(hint)
	if hint != "" {
		if _, _, err := ParseHint(hint); err != nil {
			return nil, fmt.Errorf("submit: %w: %w", ErrInvalid, err)
		}
	}

	tf := &store.TempFact{Text: text, Source: strings.TrimSpace(source), HintKey: hint}
	if err := in.db.InsertTempFact(ctx, tf); err != nil {
		return nil, err
	}
	in.log.Debug("temp fact submitted", zap.String("id", tf.ID), zap.String("source", tf.Source))
	return tf, nil
}

// Grouped returns every temp fact keyed by status. Every status is present.
func (in *Inbox) Grouped(ctx context.Context) (map[store.TempStatus][]store.TempFact, error) {
	all, err := in.db.ListTempFacts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[store.TempStatus][]store.TempFact, len(store.AllStatuses))
	for _, s := range store.AllStatuses {
		out[s] = []store.TempFact{}
	}
	for _, tf := range all {
		out[tf.Status] = append(out[tf.Status], tf)
	}
	return out, nil
}

// ParseHint splits a hint key of the form "thread:key" or "key". The thread
// is empty when not given. The thread must be a writable thread variant.
func ParseHint(hint string) (thread, key string, err error) {
	thread, key, found := strings.Cut(strings.TrimSpace(hint), ":")
	if !found {
		key, thread = thread, ""
	}
	key = strings.TrimSpace(key)
	thread = strings.TrimSpace(thread)

	if key == "" || strings.ContainsAny(key, " \t\n") {
		return "", "", fmt.Errorf("hint %q: key must be non-empty without whitespace", hint)
	}
	if thread != "" {
		if !slices.Contains(config.KnownThreads, thread) {
			return "", "", fmt.Errorf("hint %q: unknown thread %q", hint, thread)
		}
		if thread == config.ThreadLinking {
			return "", "", fmt.Errorf("hint %q: linking thread is read-only", hint)
		}
	}
	return thread, key, nil
}

// slug normalizes text to a fact key of [a-z0-9-], at most maxSlug bytes.
func slug(text string) string {
	const maxSlug = 48
	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(text) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevHyphen = false
		case !prevHyphen && b.Len() > 0:
			b.WriteByte('-')
			prevHyphen = true
		}
		if b.Len() >= maxSlug {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
