package storage

import (
	"fmt"

	"github.com/jmcleod/trustgate/internal/util"
)

const (
	SchemePlain     = "plain"
	SchemeAES256GCM = "aes256gcm"
)

// Envelope is a stored record. Plain envelopes carry non-secret data such as
// hashed API key metadata; sealed envelopes carry AES-256-GCM ciphertext.
type Envelope struct {
	Ver     int    `json:"ver"`
	Scheme  string `json:"scheme"`
	Nonce   []byte `json:"nonce,omitempty"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// PlainRecord wraps data that needs no encryption.
func PlainRecord(data []byte, version uint64) *Envelope {
	return &Envelope{Ver: 1, Scheme: SchemePlain, Data: util.CopyBytes(data), Version: version}
}

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:     1,
		Scheme:  SchemeAES256GCM,
		Nonce:   sealed[:12],
		Data:    sealed[12:],
		Version: version,
	}, nil
}

// OpenRecord returns the payload of an Envelope, decrypting sealed ones.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	switch envelope.Scheme {
	case SchemePlain:
		return util.CopyBytes(envelope.Data), nil
	case SchemeAES256GCM:
		full := make([]byte, len(envelope.Nonce)+len(envelope.Data))
		copy(full, envelope.Nonce)
		copy(full[len(envelope.Nonce):], envelope.Data)
		return util.DecryptAESWithAAD(full, recordKey, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
}
