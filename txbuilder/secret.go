package txbuilder

import "fmt"

// SecretKey wraps a raw 32-byte secp256k1 private key so that accidental
// logging or printf-debugging never reveals it: String, GoString and Format
// all render as "[redacted]" rather than the underlying bytes. Callers must
// call Zero once the key is no longer needed (typically via defer), since Go
// has no destructors to do this automatically.
type SecretKey [32]byte

// NewSecretKey copies raw into a SecretKey. raw must be exactly 32 bytes.
func NewSecretKey(raw []byte) (*SecretKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("txbuilder: secret key must be 32 bytes, got %d", len(raw))
	}
	var k SecretKey
	copy(k[:], raw)
	return &k, nil
}

// Bytes returns the raw key bytes. The returned slice aliases the
// SecretKey's own storage; callers must not retain it past a call to Zero.
func (k *SecretKey) Bytes() []byte {
	return k[:]
}

// Zero overwrites the key's memory. It is safe to call more than once.
func (k *SecretKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// String never reveals the key, so it is safe to pass a *SecretKey to any
// logging or error-formatting call by accident.
func (k *SecretKey) String() string { return "[redacted]" }

// GoString mirrors String for %#v formatting.
func (k *SecretKey) GoString() string { return "[redacted]" }

// Format implements fmt.Formatter so every verb, including %x and %v,
// redacts rather than dumping the underlying bytes.
func (k *SecretKey) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte("[redacted]"))
}
