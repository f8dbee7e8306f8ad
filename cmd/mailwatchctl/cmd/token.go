package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/mailwatch/internal/api/auth"
)

var (
	tokenNode      string
	tokenTTL       time.Duration
	tokenSecretEnv string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Agent token commands",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an agent token",
	Long: `Issue a signed token for mailwatch agents.

The token is signed with the server secret read from --secret-env, so it
must run with the same environment as mailwatch-server. Without --node the
token is a fleet token that may submit samples for any node.

Examples:
  # Token bound to one node, valid for a year
  mailwatchctl token create --node relay-01 --ttl 8760h

  # Fleet token without expiry
  mailwatchctl token create`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv(tokenSecretEnv)
		if secret == "" {
			return fmt.Errorf("%s environment variable is required", tokenSecretEnv)
		}
		if tokenTTL < 0 {
			return fmt.Errorf("--ttl must not be negative")
		}

		token, err := auth.NewTokenService([]byte(secret)).GenerateToken(tokenNode, tokenTTL)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}

		if verbose {
			scope := "fleet"
			if tokenNode != "" {
				scope = "node " + tokenNode
			}
			expiry := "never"
			if tokenTTL > 0 {
				expiry = time.Now().Add(tokenTTL).Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "scope: %s, expires: %s\n", scope, expiry)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd)

	tokenCreateCmd.Flags().StringVar(&tokenNode, "node", "", "bind the token to a node ID (empty for a fleet token)")
	tokenCreateCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (0 for no expiry)")
	tokenCreateCmd.Flags().StringVar(&tokenSecretEnv, "secret-env", "MAILWATCH_JWT_SECRET", "env var holding the signing secret")
}
