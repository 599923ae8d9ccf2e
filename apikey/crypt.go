package apikey

import (
	"fmt"

	"github.com/jmcleod/trustgate/internal/util"
)

const (
	atRestVersion byte = 1
	atRestAAD          = "trustgate:apikey:at-rest:v1"
)

// ErrDecrypt is returned for a wrong password, a tampered blob or a blob in
// an unknown format. It never comes with partial plaintext.
var ErrDecrypt = util.ErrDecrypt

// EncryptAtRest seals plaintext under a key derived from password with
// Argon2id. The result is base64url(version | salt | nonce | ciphertext).
func EncryptAtRest(plaintext, password string, params util.Argon2idParams) (string, error) {
	if password == "" {
		return "", fmt.Errorf("encrypting api key: empty password")
	}
	salt, err := util.RandomBytes(util.Argon2SaltSize)
	if err != nil {
		return "", err
	}
	key, err := util.DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return "", fmt.Errorf("deriving key: %w", err)
	}
	defer util.WipeBytes(key)

	sealed, err := util.EncryptAESWithAAD([]byte(plaintext), key, []byte(atRestAAD))
	if err != nil {
		return "", fmt.Errorf("encrypting api key: %w", err)
	}

	blob := make([]byte, 0, 1+len(salt)+len(sealed))
	blob = append(blob, atRestVersion)
	blob = append(blob, salt...)
	blob = append(blob, sealed...)
	return util.Base64URLEncode(blob), nil
}

// DecryptAtRest reverses EncryptAtRest. Every failure is ErrDecrypt.
func DecryptAtRest(ciphertext, password string, params util.Argon2idParams) (string, error) {
	blob, err := util.Base64URLDecode(ciphertext)
	if err != nil || len(blob) < 1+util.Argon2SaltSize || blob[0] != atRestVersion {
		return "", ErrDecrypt
	}
	salt := blob[1 : 1+util.Argon2SaltSize]
	key, err := util.DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return "", ErrDecrypt
	}
	defer util.WipeBytes(key)

	plain, err := util.DecryptAESWithAAD(blob[1+util.Argon2SaltSize:], key, []byte(atRestAAD))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
