// Package keystore holds the hub's own keypair and the directory of public
// keys it trusts. Keys are ed25519, written as small TOML files and named by
// their did:key.
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mr-tron/base58"

	"github.com/derivkit/jobhub/errors"
)

const (
	// PublicKeySuffix marks files the trusted directory loads
	PublicKeySuffix = ".key"
	// SecretKeySuffix marks the private half written next to the public file
	SecretKeySuffix = ".key_secret"

	secretFileMode = 0600
	publicFileMode = 0644
)

// keyFile is the on-disk form of both halves
type keyFile struct {
	Name      string    `toml:"name"`
	Created   time.Time `toml:"created"`
	PublicKey string    `toml:"public_key"`           // did:key
	SecretKey string    `toml:"secret_key,omitempty"` // base58 ed25519 seed
}

// Keypair is a named ed25519 identity
type Keypair struct {
	Name       string
	Created    time.Time
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// DID returns the did:key form of the public key
func (k *Keypair) DID() string {
	return EncodeDIDKey(k.PublicKey)
}

// GenerateKeypair creates a fresh ed25519 keypair
func GenerateKeypair(name string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ed25519 keypair")
	}
	return &Keypair{
		Name:       name,
		Created:    time.Now().UTC().Truncate(time.Second),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// WriteFiles writes base+".key" (public, shareable) and base+".key_secret"
// (private, 0600). Existing files are never overwritten.
func (k *Keypair) WriteFiles(base string) (publicPath, secretPath string, err error) {
	publicPath = base + PublicKeySuffix
	secretPath = base + SecretKeySuffix

	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return "", "", errors.Wrapf(err, "failed to create key directory for %s", base)
	}

	pub := keyFile{Name: k.Name, Created: k.Created, PublicKey: k.DID()}
	if err := writeKeyFile(publicPath, pub, publicFileMode); err != nil {
		return "", "", err
	}

	sec := pub
	sec.SecretKey = base58.Encode(k.PrivateKey.Seed())
	if err := writeKeyFile(secretPath, sec, secretFileMode); err != nil {
		os.Remove(publicPath)
		return "", "", err
	}
	return publicPath, secretPath, nil
}

func writeKeyFile(path string, kf keyFile, mode os.FileMode) error {
	var buf bytes.Buffer
	buf.WriteString("# jobhub ed25519 key\n")
	if err := toml.NewEncoder(&buf).Encode(kf); err != nil {
		return errors.Wrapf(err, "failed to encode key file %s", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to create key file %s", path)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write key file %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close key file %s", path)
}

func readKeyFile(path string) (*keyFile, error) {
	var kf keyFile
	if _, err := toml.DecodeFile(path, &kf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse key file %s", path)
	}
	if kf.PublicKey == "" {
		return nil, errors.Newf("key file %s has no public_key", path)
	}
	return &kf, nil
}

// LoadKeypair reads a secret key file. The stored public key must match the
// one derived from the seed.
func LoadKeypair(path string) (*Keypair, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	if kf.SecretKey == "" {
		return nil, errors.WithHint(
			errors.Newf("key file %s has no secret_key", path),
			"point keystore.key_file at the "+SecretKeySuffix+" file, not the public "+PublicKeySuffix+" file",
		)
	}

	seed, err := base58.Decode(kf.SecretKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode secret key in %s", path)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Newf("secret key in %s has %d bytes, expected %d", path, len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if EncodeDIDKey(pub) != kf.PublicKey {
		return nil, errors.Newf("key file %s: public_key does not match secret_key", path)
	}

	return &Keypair{Name: kf.Name, Created: kf.Created, PublicKey: pub, PrivateKey: priv}, nil
}

// TrustedKey is a public key admitted by the gate
type TrustedKey struct {
	Name      string
	DID       string
	PublicKey ed25519.PublicKey
	Path      string
}

// LoadPublicKey reads a public key file
func LoadPublicKey(path string) (*TrustedKey, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := DecodeDIDKey(kf.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "key file %s", path)
	}
	name := kf.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), PublicKeySuffix)
	}
	return &TrustedKey{Name: name, DID: kf.PublicKey, PublicKey: pub, Path: path}, nil
}
