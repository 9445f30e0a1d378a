package api

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-Api-Key"

// apiKeyring holds the accepted API keys. Entries that look like bcrypt
// hashes are compared with bcrypt, everything else in constant time.
type apiKeyring struct {
	plain  [][]byte
	hashes [][]byte
}

func newAPIKeyring(keys []string) *apiKeyring {
	k := &apiKeyring{}

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if isBcryptHash(key) {
			k.hashes = append(k.hashes, []byte(key))
		} else {
			k.plain = append(k.plain, []byte(key))
		}
	}

	return k
}

// Valid reports whether presented matches any configured key.
func (k *apiKeyring) Valid(presented string) bool {
	if presented == "" {
		return false
	}

	p := []byte(presented)
	match := false

	// Compare against every plain key so timing does not reveal which one
	// matched.
	for _, key := range k.plain {
		if subtle.ConstantTimeCompare(key, p) == 1 {
			match = true
		}
	}

	if match {
		return true
	}

	for _, hash := range k.hashes {
		if bcrypt.CompareHashAndPassword(hash, p) == nil {
			return true
		}
	}

	return false
}

func isBcryptHash(s string) bool {
	return len(s) == 60 &&
		(strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
