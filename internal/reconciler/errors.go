package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

// ErrDuplicateSpec is returned by Register when the (namespace, name) target
// of the new spec is already claimed by a registered spec.
var ErrDuplicateSpec = errors.New("duplicate spec")

// errUnknownProvider marks a spec referencing a provider the reconciler was
// not constructed with. Treated like a malformed spec: parked, not retried.
var errUnknownProvider = errors.New("unknown provider")

// ErrorClass names the failure category carried on events and SyncState.
type ErrorClass string

const (
	ClassNone                ErrorClass = ""
	ClassProviderUnavailable ErrorClass = "ProviderUnavailable"
	ClassAuthorizationDenied ErrorClass = "AuthorizationDenied"
	ClassMalformedPayload    ErrorClass = "MalformedSecretPayload"
	ClassConflict            ErrorClass = "Conflict"
	ClassTimeout             ErrorClass = "Timeout"
	ClassInvalidSpec         ErrorClass = "InvalidSpec"
)

// classify maps an error from the fetch-and-apply path to its class.
// Unrecognized errors default to ProviderUnavailable so they are retried.
func classify(err error) ErrorClass {
	switch {
	case errors.Is(err, interfaces.ErrMalformedSecretPayload):
		return ClassMalformedPayload
	case errors.Is(err, errUnknownProvider):
		return ClassInvalidSpec
	case errors.Is(err, interfaces.ErrAuthorizationDenied):
		return ClassAuthorizationDenied
	case errors.Is(err, interfaces.ErrConflict):
		return ClassConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassProviderUnavailable
	}
}

// permanent reports whether the class parks the spec instead of retrying it.
func (c ErrorClass) permanent() bool {
	return c == ClassMalformedPayload || c == ClassInvalidSpec
}

func (c ErrorClass) String() string { return string(c) }

// mapPayload decodes a provider payload (a flat JSON object of string
// fields) and projects it through the spec's key mapping. With an empty
// mapping every remote field is copied under its own name; with a non-empty
// mapping the result contains exactly the declared local keys, and a missing
// remote field is a malformed payload.
func mapPayload(payload []byte, keys map[string]string) (map[string]string, error) {
	var raw map[string]string
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedSecretPayload, err)
	}

	if len(keys) == 0 {
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]string, len(keys))
	for remoteField, localKey := range keys {
		v, ok := raw[remoteField]
		if !ok {
			return nil, fmt.Errorf("%w: remote field %q not present", interfaces.ErrMalformedSecretPayload, remoteField)
		}
		out[localKey] = v
	}
	return out, nil
}
