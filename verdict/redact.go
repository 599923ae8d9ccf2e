package verdict

const (
	redactedSuffix = "...[REDACTED]"
	// RedactPrefixLen is how many leading characters survive redaction.
	RedactPrefixLen = 7
)

// Redact keeps only a short prefix of a secret for logging. Secrets shorter
// than twice the prefix length are fully masked.
func Redact(secret string) string {
	if len(secret) < 2*RedactPrefixLen {
		return redactedSuffix[3:]
	}
	return secret[:RedactPrefixLen] + redactedSuffix
}
