package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustgate/apikey"
	"github.com/jmcleod/trustgate/config"
	"github.com/jmcleod/trustgate/ratelimit"
	"github.com/jmcleod/trustgate/state/memstate"
)

var errEmptyPassphrase = errors.New("passphrase file is empty")

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys directly in the configured storage",
	Long: `Issues and inspects API keys without going through the HTTP API. A key
issued with --passphrase-file is printed sealed with Argon2id and AES-GCM
using the api_key.argon2_* settings, and can be opened later with
"keys reveal".

The bbolt backend is single-process: stop the server before using these
commands against it.`,
}

// issuedKey is what "keys issue" prints. Exactly one of Key and SealedKey
// is set.
type issuedKey struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Key       string     `json:"key,omitempty"`
	SealedKey string     `json:"sealed_key,omitempty"`
}

type issueRequest struct {
	owner      string
	scopes     []string
	ttlDays    *int
	passphrase string
}

// issueKey issues a key and, when a passphrase is given, seals it. A key
// that cannot be sealed is revoked so no unreachable key stays valid.
func issueKey(ctx context.Context, keys *apikey.Manager, req issueRequest) (issuedKey, error) {
	plaintext, key, err := keys.Generate(ctx, req.owner, req.scopes, req.ttlDays)
	if err != nil {
		return issuedKey{}, err
	}
	out := issuedKey{
		ID:        key.ID,
		OwnerID:   key.OwnerID,
		Scopes:    key.Scopes,
		ExpiresAt: key.ExpiresAt,
	}
	if req.passphrase == "" {
		out.Key = plaintext
		return out, nil
	}
	sealed, err := keys.EncryptAtRest(plaintext, req.passphrase)
	if err != nil {
		if rerr := keys.RevokeID(ctx, key.ID); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return issuedKey{}, fmt.Errorf("sealing key %s: %w", key.ID, err)
	}
	out.SealedKey = sealed
	return out, nil
}

// readPassphrase reads a passphrase file, dropping the trailing newline.
func readPassphrase(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read passphrase file: %w", err)
	}
	pass := strings.TrimRight(string(data), "\r\n")
	if pass == "" {
		return "", errEmptyPassphrase
	}
	return pass, nil
}

// openKeys loads the configuration and opens a key manager over its
// storage. Rate limiting is process-local: these commands never validate.
func openKeys(ctx context.Context) (*config.Config, *apikey.Manager, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, nil, err
	}
	limiter := ratelimit.New(memstate.New(), ratelimit.DefaultLimit)
	return cfg, newKeyManager(repo, limiter, cfg.APIKey, logger), closeRepo, nil
}

func printIssuedKey(w io.Writer, k issuedKey, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(k)
	}
	fmt.Fprintf(w, "ID:      %s\n", k.ID)
	fmt.Fprintf(w, "Owner:   %s\n", k.OwnerID)
	fmt.Fprintf(w, "Scopes:  %s\n", strings.Join(k.Scopes, " "))
	if k.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires: %s\n", k.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if k.SealedKey != "" {
		fmt.Fprintf(w, "Sealed:  %s\n", k.SealedKey)
	} else {
		fmt.Fprintf(w, "Key:     %s\n", k.Key)
	}
	return nil
}

var (
	issueOwner          string
	issueScopes         []string
	issueTTLDays        int
	issuePassphraseFile string
	issueJSON           bool
	revealPassphrase    string
)

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := issueRequest{owner: issueOwner, scopes: issueScopes}
		if issuePassphraseFile != "" {
			pass, err := readPassphrase(issuePassphraseFile)
			if err != nil {
				return err
			}
			req.passphrase = pass
		}

		cfg, keys, closeRepo, err := openKeys(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRepo()

		switch {
		case cmd.Flags().Changed("ttl-days"):
			req.ttlDays = &issueTTLDays
		case cfg.APIKey.DefaultTTLDays > 0:
			req.ttlDays = &cfg.APIKey.DefaultTTLDays
		}

		k, err := issueKey(cmd.Context(), keys, req)
		if err != nil {
			return err
		}
		return printIssuedKey(cmd.OutOrStdout(), k, issueJSON)
	},
}

var keysRevealCmd = &cobra.Command{
	Use:   "reveal [sealed-key]",
	Short: "Open a key sealed by \"keys issue --passphrase-file\"",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase(revealPassphrase)
		if err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		plaintext, err := apikey.DecryptAtRest(strings.TrimSpace(args[0]), pass, argonParams(cfg.APIKey))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), plaintext)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysIssueCmd, keysRevealCmd)

	f := keysIssueCmd.Flags()
	f.StringVar(&issueOwner, "owner", "", "Owner the key is issued to")
	f.StringSliceVar(&issueScopes, "scope", nil, "Scope to grant (repeatable)")
	f.IntVar(&issueTTLDays, "ttl-days", 0, "Days until the key expires (default api_key.default_ttl_days)")
	f.StringVar(&issuePassphraseFile, "passphrase-file", "", "Seal the printed key with the passphrase in this file")
	f.BoolVar(&issueJSON, "json", false, "Output as JSON")
	_ = keysIssueCmd.MarkFlagRequired("owner")
	_ = keysIssueCmd.MarkFlagRequired("scope")

	keysRevealCmd.Flags().StringVar(&revealPassphrase, "passphrase-file", "", "File holding the passphrase the key was sealed with")
	_ = keysRevealCmd.MarkFlagRequired("passphrase-file")
}
