package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json.enc")
	s, err := NewFileStore(path, testKey)
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return s
}

func TestNewFileStore_KeyValidation(t *testing.T) {
	if _, err := NewFileStore("x.enc", []byte("too-short")); err == nil {
		t.Error("expected error for invalid key length, got nil")
	}
	for _, n := range []int{16, 24, 32} {
		if _, err := NewFileStore("x.enc", make([]byte, n)); err != nil {
			t.Errorf("expected %d-byte key to be accepted, got %v", n, err)
		}
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, _, exists, err := s.Get(context.Background(), "production", "database-secret")
	if err != nil {
		t.Fatalf("Get() on empty store returned an error: %v", err)
	}
	if exists {
		t.Error("expected exists=false on an empty store")
	}
}

func TestFileStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := map[string]string{"user": "appuser", "pass": "x1"}

	hash, err := s.Put(ctx, "production", "database-secret", content, "")
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if hash != interfaces.ContentHash(content) {
		t.Errorf("Put() returned hash %q, expected canonical content hash", hash)
	}

	got, gotHash, exists, err := s.Get(ctx, "production", "database-secret")
	if err != nil || !exists {
		t.Fatalf("Get() failed: exists=%v err=%v", exists, err)
	}
	if gotHash != hash {
		t.Errorf("stored hash %q does not match written hash %q", gotHash, hash)
	}
	if got["user"] != "appuser" || got["pass"] != "x1" {
		t.Errorf("unexpected content: %v", got)
	}

	// The file on disk must be ciphertext, not plaintext JSON.
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		t.Fatalf("failed to read store file: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("store file is empty")
	}
	if json.Valid(raw) {
		t.Error("store file appears to be unencrypted JSON")
	}
}

func TestFileStore_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v1 := map[string]string{"pass": "x1"}
	v2 := map[string]string{"pass": "x2"}

	t.Run("CreateRequiresEmptyExpectedHash", func(t *testing.T) {
		if _, err := s.Put(ctx, "ns", "a", v1, "some-hash"); !errors.Is(err, interfaces.ErrConflict) {
			t.Errorf("expected ErrConflict creating with a non-empty expected hash, got %v", err)
		}
	})

	t.Run("UpdateWithCorrectHash", func(t *testing.T) {
		h1, err := s.Put(ctx, "ns", "b", v1, "")
		if err != nil {
			t.Fatalf("initial Put() failed: %v", err)
		}
		h2, err := s.Put(ctx, "ns", "b", v2, h1)
		if err != nil {
			t.Fatalf("CAS update failed: %v", err)
		}
		if h2 == h1 {
			t.Error("expected a new hash after content change")
		}
	})

	t.Run("UpdateWithStaleHash", func(t *testing.T) {
		h1, err := s.Put(ctx, "ns", "c", v1, "")
		if err != nil {
			t.Fatalf("initial Put() failed: %v", err)
		}
		if _, err := s.Put(ctx, "ns", "c", v2, h1); err != nil {
			t.Fatalf("first update failed: %v", err)
		}
		if _, err := s.Put(ctx, "ns", "c", v1, h1); !errors.Is(err, interfaces.ErrConflict) {
			t.Errorf("expected ErrConflict for a stale expected hash, got %v", err)
		}
	})

	t.Run("RecreateAfterConflictObservesCurrentHash", func(t *testing.T) {
		if _, err := s.Put(ctx, "ns", "b", v1, ""); !errors.Is(err, interfaces.ErrConflict) {
			t.Errorf("expected ErrConflict recreating an existing entry, got %v", err)
		}
	})
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json.enc")
	ctx := context.Background()
	content := map[string]string{"token": "abc"}

	s1, err := NewFileStore(path, testKey)
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	hash, err := s1.Put(ctx, "ns", "s", content, "")
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	s2, err := NewFileStore(path, testKey)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	got, gotHash, exists, err := s2.Get(ctx, "ns", "s")
	if err != nil || !exists {
		t.Fatalf("Get() after reopen failed: exists=%v err=%v", exists, err)
	}
	if gotHash != hash || got["token"] != "abc" {
		t.Errorf("unexpected content after reopen: %v (hash %q)", got, gotHash)
	}
}

func TestFileStore_WrongKeyFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json.enc")
	ctx := context.Background()

	s1, err := NewFileStore(path, testKey)
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	if _, err := s1.Put(ctx, "ns", "s", map[string]string{"a": "b"}, ""); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	otherKey := []byte("ffffffffffffffffffffffffffffffff")
	s2, err := NewFileStore(path, otherKey)
	if err != nil {
		t.Fatalf("NewFileStore() with other key failed: %v", err)
	}
	if _, _, _, err := s2.Get(ctx, "ns", "s"); err == nil {
		t.Error("expected decryption failure with the wrong key, got nil")
	}
}
