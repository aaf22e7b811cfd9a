package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gpagliara/authgate/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// cfg is filled from defaults, AUTHGATE_* variables and flags before any
// subcommand runs.
var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "authgate is a login gateway with remember-me sessions",
	Long: `authgate serves form-based registration and login, keeps server-side
sessions, and re-establishes them from encrypted remember-me cookies.

Every flag can also be set through an AUTHGATE_* environment variable;
explicit flags take precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ApplyEnv(cmd.Flags(), os.LookupEnv)
	},
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	cfg.RegisterFlags(rootCmd.PersistentFlags())
}
