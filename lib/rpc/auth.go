package rpc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// AuthTokenLength is the length of auth tokens in bytes.
const AuthTokenLength = 32

// loadOrCreateToken reads the hex token stored at path. A missing or
// malformed file is replaced by a freshly generated token.
func loadOrCreateToken(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		token, err := hex.DecodeString(string(data))
		if err == nil && len(token) == AuthTokenLength {
			log.WithField("path", path).Debug("loaded existing auth token")
			return token, nil
		}
		log.WithField("path", path).Warn("invalid auth token file, regenerating")
	}

	token := make([]byte, AuthTokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(token)), 0o600); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	log.WithField("path", path).Info("generated new auth token")
	return token, nil
}

// tokenMatches compares a hex-encoded candidate with token in constant time.
// The error is non-nil only when candidate is not valid hex.
func tokenMatches(token []byte, candidate string) (bool, error) {
	b, err := hex.DecodeString(candidate)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(b, token) == 1, nil
}
