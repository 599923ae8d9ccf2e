package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/webhook"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Offline webhook signing and verification tools",
	Long: `Commands for signing test deliveries and checking captured ones against a
webhook secret without a running gateway.`,
}

// staticSecret serves one webhook's secret. The engine wipes what it is
// given, so every call hands out a copy.
type staticSecret struct {
	webhookID string
	secret    []byte
}

func (s staticSecret) Secret(_ context.Context, webhookID string) ([]byte, error) {
	if webhookID != s.webhookID {
		return nil, fmt.Errorf("%w: %s", webhook.ErrUnknownWebhook, webhookID)
	}
	return util.CopyBytes(s.secret), nil
}

// readSecret takes the hex secret from the flag value, or from the file it
// names when prefixed with "@".
func readSecret(v string) ([]byte, error) {
	if path, ok := strings.CutPrefix(v, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read secret file: %w", err)
		}
		v = string(data)
	}
	v = strings.TrimSpace(v)
	if len(v) != 2*webhook.SecretBytes {
		return nil, webhook.ErrInvalidSecret
	}
	secret, err := util.HexDecode(v)
	if err != nil {
		return nil, webhook.ErrInvalidSecret
	}
	return secret, nil
}

type signedDelivery struct {
	WebhookID string          `json:"webhook_id"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature"`
	Body      json.RawMessage `json:"body"`
}

func signDelivery(webhookID string, secret, body []byte, ts time.Time) (signedDelivery, error) {
	canonical, err := webhook.CanonicalizeRaw(body)
	if err != nil {
		return signedDelivery{}, err
	}
	engine := webhook.NewEngine(staticSecret{webhookID: webhookID, secret: secret}, nil)
	sig, unix, err := engine.Sign(context.Background(), webhookID, json.RawMessage(canonical), &ts)
	if err != nil {
		return signedDelivery{}, err
	}
	return signedDelivery{
		WebhookID: webhookID,
		Timestamp: unix,
		Signature: sig,
		Body:      canonical,
	}, nil
}

var (
	signSecret    string
	signWebhookID string
	signTimestamp int64
	signJSON      bool
)

var webhookSignCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Sign a JSON payload the way the gateway signs deliveries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		secret, err := readSecret(signSecret)
		if err != nil {
			return err
		}
		defer util.WipeBytes(secret)

		ts := time.Now()
		if signTimestamp != 0 {
			ts = time.Unix(signTimestamp, 0)
		}
		d, err := signDelivery(signWebhookID, secret, body, ts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if signJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		fmt.Fprintf(out, "%s: %s\n", webhook.HeaderWebhook, d.WebhookID)
		fmt.Fprintf(out, "%s: %d\n", webhook.HeaderTimestamp, d.Timestamp)
		fmt.Fprintf(out, "%s: %s\n\n", webhook.HeaderSignature, d.Signature)
		fmt.Fprintf(out, "%s\n", d.Body)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookSignCmd)
	webhookSignCmd.Flags().StringVar(&signSecret, "secret", "", "Hex webhook secret, or @file to read it from a file")
	webhookSignCmd.Flags().StringVar(&signWebhookID, "webhook-id", "", "Webhook the payload is signed for")
	webhookSignCmd.Flags().Int64Var(&signTimestamp, "timestamp", 0, "Unix timestamp to sign at (default now)")
	webhookSignCmd.Flags().BoolVar(&signJSON, "json", false, "Output as JSON")
	_ = webhookSignCmd.MarkFlagRequired("secret")
	_ = webhookSignCmd.MarkFlagRequired("webhook-id")
}
