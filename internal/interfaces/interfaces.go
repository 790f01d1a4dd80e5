package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"
)

// SecretSpec describes one remote-to-local secret mapping.
// A spec is immutable once registered with the reconciler.
type SecretSpec struct {
	ID                     string `json:"id,omitempty"`
	Provider               string `json:"provider"`
	RemoteKey              string `json:"remoteKey"`
	Namespace              string `json:"namespace"`
	Name                   string `json:"name"`
	RefreshIntervalSeconds int    `json:"refreshIntervalSeconds,omitempty"`
	// Keys maps remote JSON field names to local secret keys.
	// An empty map means every remote field is copied under its own name.
	Keys map[string]string `json:"keys,omitempty"`
}

// Phase is the lifecycle phase of a registered SecretSpec.
type Phase string

const (
	PhasePending  Phase = "Pending"
	PhaseSynced   Phase = "Synced"
	PhaseRetrying Phase = "Retrying"
	PhaseFailed   Phase = "Failed"
)

// Event describes one phase transition of a spec, for observability.
type Event struct {
	SpecID     string
	OldPhase   Phase
	NewPhase   Phase
	Timestamp  time.Time
	ErrorClass string // empty unless the transition was caused by a failure
}

// SecretProvider fetches raw secret material from an external system.
// Implementations wrap transport failures in ErrProviderUnavailable and
// credential failures in ErrAuthorizationDenied so the reconciler can
// classify them.
type SecretProvider interface {
	Fetch(ctx context.Context, remoteKey string) ([]byte, error)
}

// SecretStore reads and writes materialized local secrets.
// Put is a compare-and-swap: the write is accepted only if the stored
// content hash still equals expectedPreviousHash (empty string means the
// secret must not exist yet). A mismatch returns ErrConflict.
type SecretStore interface {
	Get(ctx context.Context, namespace, name string) (content map[string]string, hash string, exists bool, err error)
	Put(ctx context.Context, namespace, name string, content map[string]string, expectedPreviousHash string) (newHash string, err error)
}

// EventSink receives one call per phase transition.
type EventSink interface {
	PhaseChanged(e Event)
}

// Sentinel errors shared between providers, stores, and the reconciler.
var (
	// ErrProviderUnavailable marks a transient provider failure (network,
	// remote outage). The reconciler retries with backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrAuthorizationDenied marks a credential failure. Still retried
	// (credentials may rotate out-of-band) but logged as its own class.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrMalformedSecretPayload marks a payload that cannot be mapped to
	// local keys. Not retryable; the spec is parked until re-registered.
	ErrMalformedSecretPayload = errors.New("malformed secret payload")
	// ErrConflict marks a compare-and-swap mismatch on a store write.
	ErrConflict = errors.New("secret store write conflict")
)

// ContentHash returns the canonical SHA-256 hash of a secret's key/value
// content. Both the reconciler and the stores tag secrets with this hash, so
// it must be deterministic regardless of map iteration order.
func ContentHash(content map[string]string) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(content[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
