package keystore

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/sym"
)

// Store is the set of trusted public keys loaded from a directory.
// Unknown keys are rejected; the set only changes on Rescan.
type Store struct {
	dir    string
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	keys map[string]*TrustedKey // by did:key
}

// OpenStore loads every *.key file in dir
func OpenStore(dir string, logger *zap.SugaredLogger) (*Store, error) {
	s := &Store{dir: dir, logger: logger.Named("keystore"), keys: map[string]*TrustedKey{}}
	if _, err := s.Rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the trusted key directory
func (s *Store) Dir() string {
	return s.dir
}

// Rescan reloads the directory and swaps in the new key set.
// Unreadable key files are logged and skipped; an unreadable directory is an
// error and leaves the previous set in place.
func (s *Store) Rescan() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read trusted key directory %s", s.dir)
	}

	keys := make(map[string]*TrustedKey)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PublicKeySuffix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		key, err := LoadPublicKey(path)
		if err != nil {
			s.logger.Warnw("Skipping unreadable trusted key", "path", path, "error", err)
			continue
		}
		keys[key.DID] = key
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	s.logger.Infow(sym.Key+" Trusted keys loaded", "path", s.dir, "count", len(keys))
	return len(keys), nil
}

// Lookup returns the trusted key matching pub
func (s *Store) Lookup(pub ed25519.PublicKey) (*TrustedKey, bool) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, false
	}
	did := EncodeDIDKey(pub)

	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[did]
	return key, ok
}

// Keys returns the trusted keys sorted by name
func (s *Store) Keys() []*TrustedKey {
	s.mu.RLock()
	keys := make([]*TrustedKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}
