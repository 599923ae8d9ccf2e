package util

// CopyBytes returns a copy of src that does not share its backing array.
// A nil src stays nil.
func CopyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	return append(make([]byte, 0, len(src)), src...)
}

// WipeBytes zeroes b in place. Copies the runtime made earlier are not
// reached; secrets that must not linger belong in a memguard enclave.
func WipeBytes(b []byte) {
	clear(b)
}
