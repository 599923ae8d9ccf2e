package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize renders payload as compact JSON with object keys sorted at
// every depth and numbers kept as written. json.RawMessage and []byte
// payloads are treated as already-encoded JSON.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		raw = b
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw canonicalizes a JSON document. Trailing data after the
// first value is an error.
func CanonicalizeRaw(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decoding payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
