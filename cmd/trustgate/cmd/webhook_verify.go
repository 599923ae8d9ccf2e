package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/webhook"
)

type verifyResult struct {
	File      string        `json:"file"`
	WebhookID string        `json:"webhook_id"`
	Timestamp int64         `json:"timestamp"`
	Valid     bool          `json:"valid"`
	Checks    []checkResult `json:"checks"`
	Note      string        `json:"note,omitempty"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

const replayNote = "replay protection cannot be checked offline (requires the gateway nonce store)"

// verifyPolicy is the timestamp window a delivery is checked against.
type verifyPolicy struct {
	now       time.Time
	tolerance time.Duration
	skew      time.Duration
	// archived downgrades an out-of-window timestamp to a warning.
	archived bool
}

// verifyDelivery checks a captured delivery the way the gateway does,
// reporting each check separately instead of one generic rejection.
func verifyDelivery(d signedDelivery, secret []byte, p verifyPolicy) verifyResult {
	result := verifyResult{
		WebhookID: d.WebhookID,
		Timestamp: d.Timestamp,
		Valid:     true,
		Note:      replayNote,
	}

	// 1. Payload is a single JSON document.
	canonical, err := webhook.CanonicalizeRaw(d.Body)
	if err != nil {
		result.Valid = false
		result.Checks = append(result.Checks,
			checkResult{Name: "canonical_json", Status: "fail", Detail: err.Error()},
			checkResult{Name: "signature", Status: "fail", Detail: "skipped: payload is not canonicalizable"},
		)
	} else {
		result.Checks = append(result.Checks, checkResult{
			Name:   "canonical_json",
			Status: "pass",
			Detail: fmt.Sprintf("%d canonical bytes", len(canonical)),
		})

		// 2. Signature over "<timestamp>.<canonical>".
		expected, err := signDelivery(d.WebhookID, secret, canonical, time.Unix(d.Timestamp, 0))
		switch {
		case err != nil:
			result.Valid = false
			result.Checks = append(result.Checks, checkResult{
				Name: "signature", Status: "fail", Detail: err.Error(),
			})
		case util.ConstantTimeEqual(expected.Signature, d.Signature):
			result.Checks = append(result.Checks, checkResult{Name: "signature", Status: "pass"})
		default:
			result.Valid = false
			result.Checks = append(result.Checks, checkResult{
				Name: "signature", Status: "fail", Detail: "signature does not match payload, timestamp and secret",
			})
		}
	}

	// 3. Timestamp window.
	err = webhook.CheckFreshness(p.now, d.Timestamp, p.tolerance, p.skew)
	switch {
	case err == nil:
		result.Checks = append(result.Checks, checkResult{Name: "freshness", Status: "pass"})
	case p.archived:
		result.Checks = append(result.Checks, checkResult{Name: "freshness", Status: "warn", Detail: err.Error()})
	default:
		result.Valid = false
		result.Checks = append(result.Checks, checkResult{Name: "freshness", Status: "fail", Detail: err.Error()})
	}

	return result
}

func printHumanResult(result verifyResult) {
	fmt.Printf("Webhook delivery verification: %s\n", result.File)
	fmt.Printf("Webhook ID: %s\n", result.WebhookID)
	fmt.Printf("Timestamp:  %d (%s)\n\n", result.Timestamp, time.Unix(result.Timestamp, 0).UTC().Format(time.RFC3339))

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Printf("%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", tag, c.Name)
		}
	}

	if result.Note != "" {
		fmt.Printf("[INFO] %s\n", result.Note)
	}

	fmt.Println()
	if result.Valid {
		fmt.Println("Result: VALID")
	} else {
		failures := 0
		warnings := 0
		for _, c := range result.Checks {
			if c.Status == "fail" {
				failures++
			} else if c.Status == "warn" {
				warnings++
			}
		}
		fmt.Printf("Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONResult(result verifyResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var (
	verifyJSONOutput bool
	verifySecret     string
	verifyWebhookID  string
	verifySignature  string
	verifyTimestamp  int64
	verifyNow        int64
	verifyTolerance  time.Duration
	verifySkew       time.Duration
	verifyArchived   bool
)

var webhookVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify a captured webhook delivery",
	Long: `Reads a captured delivery body and checks it against the secret, signature
and timestamp headers it arrived with: JSON canonicalization, HMAC signature
and the timestamp window.

Replay protection cannot be verified offline because it requires the
gateway's record of processed deliveries.`,
	Args: cobra.ExactArgs(1),
	RunE: runWebhookVerify,
}

func init() {
	webhookCmd.AddCommand(webhookVerifyCmd)
	f := webhookVerifyCmd.Flags()
	f.BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	f.StringVar(&verifySecret, "secret", "", "Hex webhook secret, or @file to read it from a file")
	f.StringVar(&verifyWebhookID, "webhook-id", "", "Value of the "+webhook.HeaderWebhook+" header")
	f.StringVar(&verifySignature, "signature", "", "Value of the "+webhook.HeaderSignature+" header")
	f.Int64Var(&verifyTimestamp, "timestamp", 0, "Value of the "+webhook.HeaderTimestamp+" header")
	f.Int64Var(&verifyNow, "now", 0, "Unix time to check freshness against (default now)")
	f.DurationVar(&verifyTolerance, "tolerance", webhook.DefaultTolerance, "Maximum timestamp age")
	f.DurationVar(&verifySkew, "max-future-skew", webhook.DefaultMaxFutureSkew, "Maximum timestamp skew into the future")
	f.BoolVar(&verifyArchived, "archived", false, "Report an out-of-window timestamp as a warning")
	for _, name := range []string{"secret", "webhook-id", "signature", "timestamp"} {
		_ = webhookVerifyCmd.MarkFlagRequired(name)
	}
}

func runWebhookVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	body, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}
	secret, err := readSecret(verifySecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer util.WipeBytes(secret)

	now := time.Now()
	if verifyNow != 0 {
		now = time.Unix(verifyNow, 0)
	}
	result := verifyDelivery(signedDelivery{
		WebhookID: verifyWebhookID,
		Timestamp: verifyTimestamp,
		Signature: verifySignature,
		Body:      body,
	}, secret, verifyPolicy{
		now:       now,
		tolerance: verifyTolerance,
		skew:      verifySkew,
		archived:  verifyArchived,
	})
	result.File = filePath

	if verifyJSONOutput {
		if err := printJSONResult(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
