// Package payloadstore implements the content-addressable blob store from
// spec section 4.6: payloads are written under {root}/{hash[0:2]}/{hash},
// deduplicated implicitly by content address, and verified with a
// timing-safe comparison on read. Grounded on the teacher's
// pkg/blob/supabase_storage.go put/exists/delete method shape, generalized
// from a Supabase Storage HTTP client to a local filesystem backend since
// the spec calls for "a content-addressable payload directory", not an
// object-storage service.
package payloadstore

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
)

// Store is a content-addressable blob directory rooted at Root.
type Store struct {
	root string
}

// New builds a Store rooted at root, creating the directory if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("payloadstore: create root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put writes bytes under their content hash and returns the hash. Writing
// the same content twice is a no-op on the second write (idempotent), and
// concurrent writers of the same hash are safe because the write targets a
// temp file first, then renames atomically into place.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := fmt.Sprintf("%x", sum)

	dir := filepath.Join(s.root, hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("payloadstore: create shard dir: %w", err)
	}

	finalPath := s.pathFor(hash)
	if _, err := os.Stat(finalPath); err == nil {
		return hash, nil // already present; content-addressed, so identical
	}

	tmp, err := os.CreateTemp(dir, hash+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("payloadstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("payloadstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("payloadstore: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		// Another writer may have won the race for this identical content;
		// that's fine, the content is content-addressed and therefore
		// identical either way.
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return hash, nil
		}
		return "", fmt.Errorf("payloadstore: rename into place: %w", err)
	}
	return hash, nil
}

// Get reads the blob for hash, verifying its content matches the hash with
// a constant-time comparison. A mismatch is a fatal Tier-1 error per spec
// section 4.6. A missing blob returns ErrNotFound (Tier-3 "never stored"
// or "purged" — callers that need to distinguish those two cases should
// check Exists first or track purge records separately).
func (s *Store) Get(hash string) ([]byte, error) {
	path := s.pathFor(hash)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payloadstore: read %s: %w", hash, err)
	}

	sum := sha256.Sum256(data)
	actual := fmt.Sprintf("%x", sum)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(hash)) != 1 {
		return nil, elspetherrors.PayloadIntegrityError(
			fmt.Sprintf("payloadstore: content at %s does not match its hash (got %s)", hash, actual), nil)
	}
	return data, nil
}

// Exists reports whether a blob for hash is present.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

// Delete removes the blob for hash. The audit recorder is never updated by
// this call: hashes remain valid references so historical audit lineage
// stays navigable even after the content itself is gone (spec section 4.6
// and the retention policy in internal/retention depend on this).
func (s *Store) Delete(hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payloadstore: delete %s: %w", hash, err)
	}
	return nil
}

// ErrNotFound is returned by Get when no blob exists for a hash; Delete
// treats a missing blob as success and returns nil.
var ErrNotFound = fs.ErrNotExist

// PutCanonical is a convenience that writes and returns the hash in one
// step, mirroring the `put(bytes) -> hash` protocol described in spec
// section 4.6 literally.
func (s *Store) PutCanonical(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("payloadstore: read input: %w", err)
	}
	return s.Put(data)
}
