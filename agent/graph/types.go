package graph

import (
	"context"
	"errors"

	"github.com/BaSui01/holonflow/agent/capability"
)

var (
	// ErrCapabilityNotFound is returned by reference lookups for unknown capabilities.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrStoreUnavailable is returned when the store failed and fallback on
	// error is disabled. The text doubles as the refusal reason.
	ErrStoreUnavailable = errors.New("capability_store_unavailable")

	// ErrNotDescribed is returned when no source describes the capability.
	ErrNotDescribed = errors.New("capability_not_described")
)

// Query looks up what a provider offers for a capability.
type Query interface {
	// OfferedCapabilities returns the offered descriptions of capability for
	// providerID. An unknown capability yields an empty slice, not an error.
	OfferedCapabilities(ctx context.Context, providerID, capability string) ([]capability.CapabilityDescription, error)

	// CapabilityReference returns the external reference of a capability.
	CapabilityReference(ctx context.Context, providerID, capability string) (string, error)
}

// Source names where offered properties came from.
type Source string

const (
	SourceGraph Source = "graph"
	SourceLocal Source = "local"
)

// FallbackPolicy decides when the local description stands in for the store.
type FallbackPolicy struct {
	// OnEmpty falls back when the store has no entry for the capability.
	OnEmpty bool `yaml:"on_empty" json:"on_empty"`
	// OnError falls back when the store query fails.
	OnError bool `yaml:"on_error" json:"on_error"`
}

// DefaultFallbackPolicy falls back silently in both cases.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{OnEmpty: true, OnError: true}
}

// Resolution is the outcome of resolving offered capabilities.
type Resolution struct {
	Capabilities []capability.CapabilityDescription
	Source       Source
}
