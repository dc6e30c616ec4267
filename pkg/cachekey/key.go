// Package cachekey derives content-addressed cache keys from source programs.
//
// A key is the SHA-1 digest of the exact source bytes, rendered as lowercase
// hex. No normalization is applied: programs that differ only in whitespace or
// comments map to different keys.
package cachekey

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Len is the length of a rendered key.
const Len = sha1.Size * 2

// Key identifies a cache entry. It doubles as the entry's directory name.
type Key string

// Hash returns the key for data.
func Hash(data []byte) Key {
	sum := sha1.Sum(data)
	return Key(hex.EncodeToString(sum[:]))
}

// HashFile returns the key for the contents of path.
func HashFile(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return Key(hex.EncodeToString(h.Sum(nil))), nil
}

// Parse validates s as a rendered key.
func Parse(s string) (Key, error) {
	if !Valid(s) {
		return "", fmt.Errorf("invalid cache key %q", s)
	}
	return Key(s), nil
}

// Valid reports whether s is exactly Len lowercase hex characters.
func Valid(s string) bool {
	if len(s) != Len {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (k Key) String() string {
	return string(k)
}
