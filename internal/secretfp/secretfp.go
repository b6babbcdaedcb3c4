// Package secretfp computes HMAC-SHA256 fingerprints of secret values so
// the audit trail can reference "which secret was used" without ever
// persisting the secret itself. Ported from the key-derivation half of the
// teacher's infrastructure/crypto/envelope.go (deriveEnvelopeKey); the
// AES-GCM encrypt/decrypt half of that file is not needed here since
// ELSPETH never stores secret values, only fingerprints.
package secretfp

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
)

// Fingerprinter holds the process-wide HMAC key used to fingerprint
// secrets. Per spec section 9 ("Global state"), the key is resolved once at
// startup and held immutable. cmd/elspeth threads its *Fingerprinter
// explicitly through orchestrator.Deps; the package-level holder below
// (SetGlobal/Global) is not set by any code in this module.
type Fingerprinter struct {
	key []byte
}

// New builds a Fingerprinter from a resolved key. The key must be non-empty;
// callers resolve it from ELSPETH_FINGERPRINT_KEY before constructing the
// engine (see internal/config; its Key Vault path always returns an error).
func New(key []byte) (*Fingerprinter, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("secretfp: fingerprint key must not be empty")
	}
	// Defensive copy: callers must not be able to mutate the key after
	// construction.
	owned := make([]byte, len(key))
	copy(owned, key)
	return &Fingerprinter{key: owned}, nil
}

// Fingerprint returns the 64-char lowercase hex HMAC-SHA256 of secret under
// the process-wide key, optionally domain-separated by subject (e.g. the
// secret's name/path) so that the same raw value used under two different
// names produces two different fingerprints.
func (f *Fingerprinter) Fingerprint(subject string, secret []byte) string {
	mac := hmac.New(sha256.New, f.key)
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	mac.Write(secret)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// process-wide holder, set exactly once via SetGlobal during startup and
// read via Global thereafter.
var (
	globalMu   sync.RWMutex
	globalInst *Fingerprinter
)

// SetGlobal installs f as the process-wide fingerprinter, replacing any
// earlier one.
func SetGlobal(f *Fingerprinter) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalInst = f
}

// Global returns the process-wide fingerprinter installed by SetGlobal, or
// nil if none has been installed yet.
func Global() *Fingerprinter {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalInst
}
