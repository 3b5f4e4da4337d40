package rpc

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateToken(t *testing.T) {
	t.Run("creates new token", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "subdir", "auth.token")

		token, err := loadOrCreateToken(authFile)
		if err != nil {
			t.Fatalf("loadOrCreateToken: %v", err)
		}
		if len(token) != AuthTokenLength {
			t.Errorf("expected token length %d, got %d", AuthTokenLength, len(token))
		}

		data, err := os.ReadFile(authFile)
		if err != nil {
			t.Fatalf("reading file: %v", err)
		}
		decoded, err := hex.DecodeString(string(data))
		if err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if string(decoded) != string(token) {
			t.Error("file content mismatch")
		}

		info, err := os.Stat(authFile)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("expected mode 0600, got %o", perm)
		}
	})

	t.Run("reuses existing token", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "auth.token")

		first, err := loadOrCreateToken(authFile)
		if err != nil {
			t.Fatalf("loadOrCreateToken: %v", err)
		}
		second, err := loadOrCreateToken(authFile)
		if err != nil {
			t.Fatalf("loadOrCreateToken: %v", err)
		}
		if string(first) != string(second) {
			t.Error("expected the stored token to be reused")
		}
	})

	t.Run("regenerates invalid token", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "auth.token")
		if err := os.WriteFile(authFile, []byte("not-valid-hex"), 0o600); err != nil {
			t.Fatalf("writing file: %v", err)
		}

		token, err := loadOrCreateToken(authFile)
		if err != nil {
			t.Fatalf("loadOrCreateToken: %v", err)
		}
		if len(token) != AuthTokenLength {
			t.Errorf("expected new token length %d, got %d", AuthTokenLength, len(token))
		}
	})
}

func TestTokenMatches(t *testing.T) {
	token := make([]byte, AuthTokenLength)
	for i := range token {
		token[i] = byte(i)
	}
	good := hex.EncodeToString(token)

	if ok, err := tokenMatches(token, good); err != nil || !ok {
		t.Errorf("expected match, got %v, %v", ok, err)
	}
	if ok, err := tokenMatches(token, good[:len(good)-2]); err != nil || ok {
		t.Errorf("expected a short token to be rejected, got %v, %v", ok, err)
	}
	if _, err := tokenMatches(token, "zz"); err == nil {
		t.Error("expected an error for a non-hex token")
	}
}
