package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpagliara/authgate/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a fresh base64 cipher key for remember-me tokens",
	Long: `Prints a random 32-byte key in standard base64. Pass it to the server
with --cipher-key or AUTHGATE_CIPHER_KEY. Changing the key invalidates every
issued remember-me cookie.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
