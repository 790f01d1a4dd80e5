package kubestore

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

func TestKubeStore_GetMissing(t *testing.T) {
	s := NewKubeStoreFromClient(fake.NewSimpleClientset())
	_, _, exists, err := s.Get(context.Background(), "production", "database-secret")
	if err != nil {
		t.Fatalf("Get() returned an unexpected error: %v", err)
	}
	if exists {
		t.Error("expected exists=false for a missing secret")
	}
}

func TestKubeStore_CreateAndGet(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	s := NewKubeStoreFromClient(clientset)
	ctx := context.Background()
	content := map[string]string{"user": "appuser", "pass": "x1"}

	hash, err := s.Put(ctx, "production", "database-secret", content, "")
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if hash != interfaces.ContentHash(content) {
		t.Errorf("Put() returned hash %q, expected the canonical content hash", hash)
	}

	got, gotHash, exists, err := s.Get(ctx, "production", "database-secret")
	if err != nil || !exists {
		t.Fatalf("Get() failed: exists=%v err=%v", exists, err)
	}
	if gotHash != hash {
		t.Errorf("annotation hash %q does not match written hash %q", gotHash, hash)
	}
	if got["user"] != "appuser" || got["pass"] != "x1" {
		t.Errorf("unexpected content: %v", got)
	}

	secret, err := clientset.CoreV1().Secrets("production").Get(ctx, "database-secret", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("failed to fetch secret through the clientset: %v", err)
	}
	if secret.Annotations[HashAnnotation] != hash {
		t.Errorf("expected %s annotation %q, got %q", HashAnnotation, hash, secret.Annotations[HashAnnotation])
	}
	if string(secret.Data["pass"]) != "x1" {
		t.Errorf("unexpected secret data: %v", secret.Data)
	}
}

func TestKubeStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	v1 := map[string]string{"pass": "x1"}
	v2 := map[string]string{"pass": "x2"}

	t.Run("CreateRequiresEmptyExpectedHash", func(t *testing.T) {
		s := NewKubeStoreFromClient(fake.NewSimpleClientset())
		if _, err := s.Put(ctx, "ns", "s", v1, "stale"); !errors.Is(err, interfaces.ErrConflict) {
			t.Errorf("expected ErrConflict creating with a non-empty expected hash, got %v", err)
		}
	})

	t.Run("UpdateWithCorrectHash", func(t *testing.T) {
		s := NewKubeStoreFromClient(fake.NewSimpleClientset())
		h1, err := s.Put(ctx, "ns", "s", v1, "")
		if err != nil {
			t.Fatalf("initial Put() failed: %v", err)
		}
		h2, err := s.Put(ctx, "ns", "s", v2, h1)
		if err != nil {
			t.Fatalf("CAS update failed: %v", err)
		}
		if h2 == h1 {
			t.Error("expected a new hash after content change")
		}
		_, gotHash, _, err := s.Get(ctx, "ns", "s")
		if err != nil || gotHash != h2 {
			t.Errorf("expected stored hash %q, got %q (err %v)", h2, gotHash, err)
		}
	})

	t.Run("UpdateWithStaleHash", func(t *testing.T) {
		s := NewKubeStoreFromClient(fake.NewSimpleClientset())
		h1, err := s.Put(ctx, "ns", "s", v1, "")
		if err != nil {
			t.Fatalf("initial Put() failed: %v", err)
		}
		if _, err := s.Put(ctx, "ns", "s", v2, h1); err != nil {
			t.Fatalf("first update failed: %v", err)
		}
		if _, err := s.Put(ctx, "ns", "s", v1, h1); !errors.Is(err, interfaces.ErrConflict) {
			t.Errorf("expected ErrConflict for a stale expected hash, got %v", err)
		}
	})

	t.Run("ForeignSecretWithoutAnnotation", func(t *testing.T) {
		foreign := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "s", Namespace: "ns"},
			Data:       map[string][]byte{"pass": []byte("external")},
		}
		s := NewKubeStoreFromClient(fake.NewSimpleClientset(foreign))
		// A secret created by someone else has no hash annotation; only an
		// empty expected hash can take ownership of it.
		if _, err := s.Put(ctx, "ns", "s", v1, "whatever"); !errors.Is(err, interfaces.ErrConflict) {
			t.Errorf("expected ErrConflict writing over a foreign secret, got %v", err)
		}
		if _, err := s.Put(ctx, "ns", "s", v1, ""); err != nil {
			t.Errorf("expected takeover with empty expected hash to succeed, got %v", err)
		}
	})
}
