package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/oauth"
	"github.com/jmcleod/trustgate/webhook"
)

var keygenJSONOutput bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate secrets for configuring and testing the gateway",
}

var keygenMasterKeyCmd = &cobra.Command{
	Use:   "master-key",
	Short: "Generate a webhook master key (webhook.master_key)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := util.RandomHex(32)
		if err != nil {
			return err
		}
		return printKeygen(cmd.OutOrStdout(), map[string]string{"master_key": key})
	},
}

var keygenWebhookSecretCmd = &cobra.Command{
	Use:   "webhook-secret",
	Short: "Generate a webhook signing secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := util.RandomHex(webhook.SecretBytes)
		if err != nil {
			return err
		}
		return printKeygen(cmd.OutOrStdout(), map[string]string{"secret": secret})
	},
}

var keygenPKCECmd = &cobra.Command{
	Use:   "pkce",
	Short: "Generate a PKCE verifier and its S256 challenge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := oauth.GenerateChallenge()
		if err != nil {
			return err
		}
		return printKeygen(cmd.OutOrStdout(), map[string]string{
			"code_verifier":         c.Verifier,
			"code_challenge":        c.Challenge,
			"code_challenge_method": c.Method,
		})
	},
}

// printKeygen writes values as JSON or as sorted "name: value" lines.
func printKeygen(w io.Writer, values map[string]string) error {
	if keygenJSONOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(values)
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, values[name])
	}
	return nil
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.PersistentFlags().BoolVar(&keygenJSONOutput, "json", false, "Output as JSON")
	keygenCmd.AddCommand(keygenMasterKeyCmd, keygenWebhookSecretCmd, keygenPKCECmd)
}
