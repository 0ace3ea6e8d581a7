package storage

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"path"
	"path/filepath"
)

// NewHasher returns the digest used to derive blob keys.
func NewHasher() hash.Hash {
	return sha512.New()
}

// KeyOf returns the key of an in-memory payload.
func KeyOf(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// ValidKey reports whether key is long enough to address a shard and only
// contains lowercase hexadecimal digits.
func ValidKey(key string) bool {
	if len(key) < MinKeyLength {
		return false
	}

	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// ObjectPath computes the full filesystem path for the blob identified by
// key beneath directory: <directory>/<key[:2]>/<key>.
func ObjectPath(directory string, key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(directory, key[:2], key), nil
}

// ObjectName is the slash-separated equivalent of ObjectPath, used by
// backends that address blobs by object name rather than file path.
func ObjectName(prefix string, key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path.Join(prefix, key[:2], key), nil
}
