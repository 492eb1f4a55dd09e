package voicecache

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSamples is returned for voices without any seed samples
	ErrNoSamples = errors.New("voice has no samples")
	// ErrUnknownModel is returned when a speech model id is not in the catalogue
	ErrUnknownModel = errors.New("unknown speech model")
	// ErrEmptyText is returned when there is nothing to speak
	ErrEmptyText = errors.New("text is empty")
)

// ReconciliationError means the provider holds a voice the owning system
// does not know about, or the inventory could not be read. The attempt is
// not cached; the next caller retries.
type ReconciliationError struct {
	Label        string
	RemoteSlotID string
	Err          error
}

func (e *ReconciliationError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("reconcile remote voices: %v", e.Err)
	}
	return fmt.Sprintf("reconcile remote voice %s (label %q): %v", e.RemoteSlotID, e.Label, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// ProvisioningError means a remote voice could not be created
type ProvisioningError struct {
	LogicalName string
	Key         CacheKey
	StatusCode  int // 0 when the provider never answered
	Err         error
}

func (e *ProvisioningError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provision voice %s (key %s): status %d: %v", e.LogicalName, e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provision voice %s (key %s): %v", e.LogicalName, e.Key, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SynthesisError means the speech call failed or returned malformed metadata
type SynthesisError struct {
	LogicalName  string
	RemoteSlotID string
	StatusCode   int
	Err          error
}

func (e *SynthesisError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("synthesize with voice %s (remote %s): status %d: %v", e.LogicalName, e.RemoteSlotID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("synthesize with voice %s (remote %s): %v", e.LogicalName, e.RemoteSlotID, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
