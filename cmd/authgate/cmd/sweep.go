package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpagliara/authgate/remember"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired remember-me tokens once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		repo, err := openRepository(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open %s storage: %w", cfg.StorageBackend, err)
		}
		defer repo.Close()

		tokens, err := newTokenService(cfg, repo, logger)
		if err != nil {
			return err
		}
		n, err := remember.NewJanitor(tokens, cfg.SweepInterval, logger).RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired token(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
