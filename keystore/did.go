package keystore

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"

	"github.com/derivkit/jobhub/errors"
)

const didKeyPrefix = "did:key:z"

// EncodeDIDKey encodes an ed25519 public key as a did:key identifier.
// Format: did:key:z + base58btc(0xed 0x01 + 32-byte pubkey)
func EncodeDIDKey(pub ed25519.PublicKey) string {
	// Multicodec prefix for ed25519-pub: 0xed, 0x01
	buf := make([]byte, 2+len(pub))
	buf[0] = 0xed
	buf[1] = 0x01
	copy(buf[2:], pub)
	return didKeyPrefix + base58.Encode(buf)
}

// DecodeDIDKey extracts the ed25519 public key from a did:key:z... identifier
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if len(did) < len(didKeyPrefix) || did[:len(didKeyPrefix)] != didKeyPrefix {
		return nil, errors.Newf("invalid did:key format: %s", did)
	}

	decoded, err := base58.Decode(did[len(didKeyPrefix):])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to base58-decode did:key %s", did)
	}
	if len(decoded) != 2+ed25519.PublicKeySize {
		return nil, errors.Newf("unexpected decoded length %d for did:key %s (expected %d)", len(decoded), did, 2+ed25519.PublicKeySize)
	}
	if decoded[0] != 0xed || decoded[1] != 0x01 {
		return nil, errors.Newf("unexpected multicodec prefix [%x %x] for did:key %s", decoded[0], decoded[1], did)
	}

	return ed25519.PublicKey(decoded[2:]), nil
}
