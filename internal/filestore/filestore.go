package filestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

const (
	// DefaultStoreFile is the default path for the encrypted store file.
	DefaultStoreFile = "secrets.json.enc"
	// EnvEncryptionKey is the environment variable for the encryption key.
	EnvEncryptionKey = "SECRET_SYNC_LITE_ENCRYPTION_KEY"
)

// entry is one materialized secret in the store file.
type entry struct {
	Data map[string]string `json:"data"`
	Hash string            `json:"hash"`
}

// FileStore implements interfaces.SecretStore on a single AES-GCM encrypted
// JSON file, keyed by "namespace/name". Intended for running outside a
// cluster; the compare-and-swap semantics match KubeStore's.
type FileStore struct {
	filePath      string
	encryptionKey []byte

	mu sync.Mutex
}

// NewFileStore creates a FileStore at filePath.
// If filePath is empty, DefaultStoreFile is used.
// If encryptionKey is nil, it attempts to read from the
// SECRET_SYNC_LITE_ENCRYPTION_KEY environment variable. If the environment
// variable is not set, a hardcoded key is used (INSECURE, for development
// only), and a warning is logged.
func NewFileStore(filePath string, encryptionKey []byte) (*FileStore, error) {
	if filePath == "" {
		filePath = DefaultStoreFile
	}

	var key []byte
	if len(encryptionKey) > 0 {
		key = encryptionKey
	} else {
		envKey := os.Getenv(EnvEncryptionKey)
		if envKey != "" {
			log.Printf("FileStore: Using encryption key from environment variable %s", EnvEncryptionKey)
			key = []byte(envKey)
		} else {
			log.Println("WARNING: FileStore: Using hardcoded encryption key. This is insecure and should only be used for development.")
			// THIS IS INSECURE - Replace with a proper key management solution for production
			key = []byte("0123456789abcdef0123456789abcdef") // 32-byte key for AES-256
		}
	}

	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes long, got %d bytes", len(key))
	}

	return &FileStore{
		filePath:      filePath,
		encryptionKey: key,
	}, nil
}

// Get returns the content and hash stored for namespace/name.
func (s *FileStore) Get(_ context.Context, namespace, name string) (map[string]string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, "", false, err
	}

	e, ok := entries[namespace+"/"+name]
	if !ok {
		return nil, "", false, nil
	}
	content := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		content[k] = v
	}
	return content, e.Hash, true, nil
}

// Put replaces the entry for namespace/name if its stored hash equals
// expectedPreviousHash (empty means the entry must not exist). The whole
// file is rewritten under the lock, so readers never observe a partially
// applied entry.
func (s *FileStore) Put(_ context.Context, namespace, name string, content map[string]string, expectedPreviousHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}

	key := namespace + "/" + name
	current, exists := entries[key]
	switch {
	case !exists && expectedPreviousHash != "":
		return "", fmt.Errorf("%w: entry %s does not exist but a previous hash was expected", interfaces.ErrConflict, key)
	case exists && current.Hash != expectedPreviousHash:
		return "", fmt.Errorf("%w: entry %s hash is %q, expected %q", interfaces.ErrConflict, key, current.Hash, expectedPreviousHash)
	}

	newHash := interfaces.ContentHash(content)
	data := make(map[string]string, len(content))
	for k, v := range content {
		data[k] = v
	}
	entries[key] = entry{Data: data, Hash: newHash}

	if err := s.save(entries); err != nil {
		return "", err
	}
	return newHash, nil
}

// load reads and decrypts the store file. A missing or empty file yields an
// empty store.
func (s *FileStore) load() (map[string]entry, error) {
	encrypted, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]entry), nil
		}
		return nil, fmt.Errorf("failed to read store file %q: %w", s.filePath, err)
	}
	if len(encrypted) == 0 {
		return make(map[string]entry), nil
	}

	decrypted, err := decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt store file %q: %w", s.filePath, err)
	}

	var entries map[string]entry
	if err := json.Unmarshal(decrypted, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store file %q: %w", s.filePath, err)
	}
	if entries == nil {
		entries = make(map[string]entry)
	}
	return entries, nil
}

// save encrypts and writes the whole store with 0600 permissions.
func (s *FileStore) save(entries map[string]entry) error {
	jsonData, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store entries: %w", err)
	}

	encrypted, err := encrypt(jsonData, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt store entries: %w", err)
	}

	if err := os.WriteFile(s.filePath, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write store file %q: %w", s.filePath, err)
	}
	return nil
}

// encrypt seals plaintext with AES-GCM, prefixing the random nonce.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a nonce-prefixed AES-GCM ciphertext.
func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce (%d bytes)", len(ciphertext))
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
