package blobstore

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestAlgorithm is the tag prefixed to every digest string.
const DigestAlgorithm = "sha1"

// Key identifies a blob by the SHA-1 digest of its content.
type Key [sha1.Size]byte

// KeyForContent computes the key of data.
func KeyForContent(data []byte) Key {
	return sha1.Sum(data)
}

// String returns the lowercase hex form used for file names.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Digest returns the algorithm-tagged form, e.g. "sha1-C+7Hteo/D9vJXQ3UfzxbwnXaijM=".
func (k Key) Digest() string {
	return DigestAlgorithm + "-" + base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// KeyFromHex parses the String form of a key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	if len(s) != 2*len(k) {
		return k, fmt.Errorf("invalid key %q: wrong length", s)
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return k, nil
}

// KeyFromBytes copies b into a key. b must be exactly 20 bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != len(k) {
		return k, fmt.Errorf("invalid key: %d bytes", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseDigest parses the Digest form of a key.
func ParseDigest(digest string) (Key, error) {
	var k Key
	algo, encoded, ok := strings.Cut(digest, "-")
	if !ok || algo != DigestAlgorithm {
		return k, fmt.Errorf("unsupported digest %q", digest)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return k, fmt.Errorf("invalid digest %q: %w", digest, err)
	}
	return KeyFromBytes(raw)
}

// MarshalText encodes the key as hex, so rows serialize it readably.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes the hex form produced by MarshalText.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := KeyFromHex(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
