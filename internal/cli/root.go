package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
	flagServer string
	flagLocal  bool
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "Cognition core for a persistent AI companion",
	Long: "Companion keeps what an assistant knows about its user in prioritized threads, " +
		"assembles them into token-bounded context and consolidates new facts in the background.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "YAML config file (default: built-in defaults)")
	pf.StringVar(&flagDB, "db", "", "SQLite database path (overrides database.path)")
	pf.StringVar(&flagServer, "server", "", "server URL (default: $COMPANION_URL or http://127.0.0.1:37778)")
	pf.BoolVar(&flagLocal, "local", false, "open the database directly instead of using a running server")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}
