package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// resetFlags restores command flag variables, which cobra keeps between
// executions of the same command tree.
func resetFlags() {
	contextLevel, contextJSON = "standard", false
	submitSource, submitHint = "cli", ""
	consolidateDryRun = false
	rejectReason = ""
}

// run executes the root command against a database file, never a server.
func run(t *testing.T, db string, args ...string) string {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--local", "--db", db}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("companion %v: %v\nstderr: %s", args, err, errOut.String())
	}
	return out.String()
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetOut(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "companion dev") {
		t.Errorf("version = %q", out.String())
	}
}

func TestLocalReviewFlow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "companion.db")

	submitted := run(t, db, "submit", "--hint", "identity:user.tea", "User always prefers green tea")
	fields := strings.Fields(submitted)
	if len(fields) != 2 || fields[1] != "pending" {
		t.Fatalf("submit output = %q", submitted)
	}
	id := fields[0]

	dry := run(t, db, "consolidate", "--dry-run")
	if !strings.Contains(dry, "dry run") || !strings.Contains(dry, "1 review") {
		t.Errorf("dry run output = %q", dry)
	}
	pass := run(t, db, "consolidate")
	if !strings.Contains(pass, "1 review") {
		t.Fatalf("consolidate output = %q", pass)
	}

	approved := run(t, db, "approve", id)
	if !strings.Contains(approved, "approved") {
		t.Errorf("approve output = %q", approved)
	}

	pass = run(t, db, "consolidate")
	if !strings.Contains(pass, "1 consolidated") || !strings.Contains(pass, "identity/user.tea") {
		t.Errorf("second pass output = %q", pass)
	}

	ctx := run(t, db, "context", "--level", "3")
	if !strings.Contains(ctx, "User always prefers green tea") {
		t.Errorf("context output = %q", ctx)
	}
}

func TestLocalReject(t *testing.T) {
	db := filepath.Join(t.TempDir(), "companion.db")
	id := strings.Fields(run(t, db, "submit", "User is sleepy right now"))[0]

	out := run(t, db, "reject", "--reason", "transient", id)
	if !strings.Contains(out, "rejected: transient") {
		t.Errorf("reject output = %q", out)
	}
}
