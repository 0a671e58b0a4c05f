package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/companion/internal/assembler"
	"github.com/lazypower/companion/internal/client"
	"github.com/lazypower/companion/internal/consolidation"
	"github.com/lazypower/companion/internal/engine"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

const commandTimeout = 30 * time.Second

// backend is what the one-shot commands need. It is served either by a
// running server or by an engine opened on the database directly.
type backend interface {
	Context(ctx context.Context, level, query string) (*assembler.Context, error)
	Submit(ctx context.Context, text, source, hint string) (*store.TempFact, error)
	Consolidate(ctx context.Context, dryRun bool) (*consolidation.Report, error)
	Approve(ctx context.Context, id string) (*store.TempFact, error)
	Reject(ctx context.Context, id, reason string) (*store.TempFact, error)
}

// local serves backend from an in-process engine. Background tasks are not
// started.
type local struct{ eng *engine.Engine }

func (l local) Context(ctx context.Context, level, query string) (*assembler.Context, error) {
	lv, err := threads.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return l.eng.Assembler.Assemble(ctx, lv, query)
}

func (l local) Submit(ctx context.Context, text, source, hint string) (*store.TempFact, error) {
	return l.eng.Inbox.Submit(ctx, text, source, hint)
}

func (l local) Consolidate(ctx context.Context, dryRun bool) (*consolidation.Report, error) {
	return l.eng.Consolidate(ctx, dryRun)
}

func (l local) Approve(ctx context.Context, id string) (*store.TempFact, error) {
	return l.eng.Pipeline.Approve(ctx, id)
}

func (l local) Reject(ctx context.Context, id, reason string) (*store.TempFact, error) {
	return l.eng.Pipeline.Reject(ctx, id, reason)
}

// openBackend prefers a reachable server unless --local is set. The
// returned func releases the backend.
func openBackend(ctx context.Context) (backend, func(), error) {
	if !flagLocal {
		c := client.New(flagServer)
		if c.Healthy(ctx) {
			return c, func() {}, nil
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, _, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(ctx, cfg, db, nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return local{eng: eng}, func() {
		eng.Stop(context.Background())
		db.Close()
	}, nil
}

// withBackend runs fn against an open backend with the command timeout.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b backend) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	b, closeFn, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, b)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- context command ---

var (
	contextLevel string
	contextJSON  bool
)

var contextCmd = &cobra.Command{
	Use:   "context [query]",
	Short: "Assemble context for an utterance",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			out, err := b.Context(ctx, contextLevel, query)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if contextJSON {
				return printJSON(w, out)
			}
			fmt.Fprintln(w, out.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "~%d tokens\n", out.Tokens)
			for _, t := range out.Threads {
				if t.Health.Status != threads.StatusOK {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s %s\n", t.Name, t.Health.Status, t.Health.Message)
				}
			}
			return nil
		})
	},
}

// --- submit command ---

var (
	submitSource string
	submitHint   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <text>",
	Short: "Submit a candidate fact to the inbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			tf, err := b.Submit(ctx, text, submitSource, submitHint)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tf.ID, tf.Status)
			return nil
		})
	},
}

// --- consolidate command ---

var consolidateDryRun bool

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			rep, err := b.Consolidate(ctx, consolidateDryRun)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if rep.DryRun {
				fmt.Fprintln(w, "dry run: nothing was changed")
			}
			fmt.Fprintf(w, "scanned %d: %d consolidated, %d review, %d rejected, %d failed\n",
				rep.Scanned, rep.Consolidated, rep.Review, rep.Rejected, rep.Failed)
			for _, d := range rep.Decisions {
				line := fmt.Sprintf("  %s %s -> %s (%.2f)", d.ID, d.From, d.To, d.Scores.Total)
				if d.Thread != "" {
					line += fmt.Sprintf(" %s/%s", d.Thread, d.Key)
				}
				if d.Error != "" {
					line += " error: " + d.Error
				}
				fmt.Fprintln(w, line)
			}
			return nil
		})
	},
}

// --- approve / reject commands ---

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a temp fact awaiting review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			tf, err := b.Approve(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tf.ID, tf.Status)
			return nil
		})
	},
}

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a temp fact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			tf, err := b.Reject(ctx, args[0], rejectReason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", tf.ID, tf.Status, tf.Reason)
			return nil
		})
	},
}

func init() {
	contextCmd.Flags().StringVarP(&contextLevel, "level", "l", "standard", "detail level: 1-3 or brief, standard, detailed")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "print the full assembly as JSON")

	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "where the fact came from")
	submitCmd.Flags().StringVar(&submitHint, "hint", "", `routing hint, "thread:key" or "key"`)

	consolidateCmd.Flags().BoolVar(&consolidateDryRun, "dry-run", false, "report decisions without changing anything")

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the fact is rejected")
}
