package kubestore

import (
	"context"
	"fmt"
	"log"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

// HashAnnotation tags managed Secrets with the content hash they were
// derived from. The compare-and-swap in Put works on this annotation.
const HashAnnotation = "secret-sync-lite.io/content-hash"

const fieldManager = "secret-sync-lite"

// KubeStore implements interfaces.SecretStore on Kubernetes v1 Secrets.
type KubeStore struct {
	clientset kubernetes.Interface
}

// NewKubeStore creates a KubeStore connected to a cluster.
// Priority:
// 1. kubeconfigContent (if provided)
// 2. kubeconfigPath (if provided)
// 3. In-cluster configuration
func NewKubeStore(kubeconfigPath string, kubeconfigContent []byte) (*KubeStore, error) {
	var config *rest.Config
	var err error

	if len(kubeconfigContent) > 0 {
		log.Println("Using kubeconfig from provided content")
		config, err = clientcmd.RESTConfigFromKubeConfig(kubeconfigContent)
	} else if kubeconfigPath != "" {
		log.Printf("Using kubeconfig from path: %s\n", kubeconfigPath)
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		log.Println("Using in-cluster Kubernetes config")
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}
	return &KubeStore{clientset: clientset}, nil
}

// NewKubeStoreFromClient creates a KubeStore on an existing clientset.
// Used by tests with the fake clientset.
func NewKubeStoreFromClient(clientset kubernetes.Interface) *KubeStore {
	return &KubeStore{clientset: clientset}
}

// Get returns the secret's key/value content and the content hash it was
// tagged with. A secret without the hash annotation (created by someone
// else) is returned with an empty hash, which makes any CAS against it fail
// until this store takes ownership.
func (s *KubeStore) Get(ctx context.Context, namespace, name string) (map[string]string, string, bool, error) {
	secret, err := s.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("failed to get secret %s/%s: %w", namespace, name, err)
	}

	content := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		content[k] = string(v)
	}
	return content, secret.Annotations[HashAnnotation], true, nil
}

// Put writes the secret's content if and only if its current hash annotation
// equals expectedPreviousHash. An empty expectedPreviousHash means the
// secret must not exist yet. Kubernetes-level write races (resourceVersion
// conflicts, concurrent creates) also surface as interfaces.ErrConflict.
func (s *KubeStore) Put(ctx context.Context, namespace, name string, content map[string]string, expectedPreviousHash string) (string, error) {
	newHash := interfaces.ContentHash(content)

	data := make(map[string][]byte, len(content))
	for k, v := range content {
		data[k] = []byte(v)
	}

	secrets := s.clientset.CoreV1().Secrets(namespace)
	existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return "", fmt.Errorf("failed to get secret %s/%s before write: %w", namespace, name, err)
		}
		if expectedPreviousHash != "" {
			return "", fmt.Errorf("%w: secret %s/%s does not exist but a previous hash was expected", interfaces.ErrConflict, namespace, name)
		}

		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   namespace,
				Annotations: map[string]string{HashAnnotation: newHash},
				Labels:      map[string]string{"app.kubernetes.io/managed-by": fieldManager},
			},
			Type: corev1.SecretTypeOpaque,
			Data: data,
		}
		if _, err := secrets.Create(ctx, secret, metav1.CreateOptions{FieldManager: fieldManager}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return "", fmt.Errorf("%w: secret %s/%s was created concurrently", interfaces.ErrConflict, namespace, name)
			}
			return "", fmt.Errorf("failed to create secret %s/%s: %w", namespace, name, err)
		}
		return newHash, nil
	}

	if existing.Annotations[HashAnnotation] != expectedPreviousHash {
		return "", fmt.Errorf("%w: secret %s/%s hash is %q, expected %q",
			interfaces.ErrConflict, namespace, name, existing.Annotations[HashAnnotation], expectedPreviousHash)
	}

	updated := existing.DeepCopy()
	if updated.Annotations == nil {
		updated.Annotations = make(map[string]string)
	}
	updated.Annotations[HashAnnotation] = newHash
	updated.Data = data
	updated.StringData = nil

	if _, err := secrets.Update(ctx, updated, metav1.UpdateOptions{FieldManager: fieldManager}); err != nil {
		if apierrors.IsConflict(err) {
			return "", fmt.Errorf("%w: secret %s/%s was modified concurrently", interfaces.ErrConflict, namespace, name)
		}
		return "", fmt.Errorf("failed to update secret %s/%s: %w", namespace, name, err)
	}
	return newHash, nil
}
