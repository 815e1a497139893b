package discovery

import (
	"context"
	"encoding/json"
	"time"
)

// Inventory holds the storage counters a provider reports.
type Inventory struct {
	Free     int `json:"free"`
	Occupied int `json:"occupied"`
}

// ProviderRecord is one known provider.
type ProviderRecord struct {
	// ProviderID is the stable identifier, unique case-insensitively.
	ProviderID string `json:"providerId"`

	// Capabilities is the set of advertised capability names.
	Capabilities []string `json:"capabilities"`

	// Inventory is nil on incoming records that do not carry inventory
	// (plain heartbeats). Records returned by the registry always carry it.
	Inventory *Inventory `json:"inventory,omitempty"`

	// LastSeen is the last registration, heartbeat or inventory timestamp.
	LastSeen time.Time `json:"lastSeen"`
}

// RegistryEventType defines the type of registry event.
type RegistryEventType string

const (
	// EventProviderRegistered indicates a new provider was inserted.
	EventProviderRegistered RegistryEventType = "provider_registered"
	// EventProviderUpdated indicates an existing provider was replaced.
	EventProviderUpdated RegistryEventType = "provider_updated"
	// EventInventoryUpdated indicates inventory counters changed.
	EventInventoryUpdated RegistryEventType = "inventory_updated"
	// EventProviderRemoved indicates a provider was pruned or removed.
	EventProviderRemoved RegistryEventType = "provider_removed"
)

// RegistryEvent represents an event in the registry.
type RegistryEvent struct {
	Type       RegistryEventType `json:"type"`
	ProviderID string            `json:"providerId"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// RegistryEventHandler handles registry events.
type RegistryEventHandler func(event *RegistryEvent)

// Clock supplies the current time for staleness checks.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Registry defines the provider directory operations.
type Registry interface {
	// Upsert inserts or replaces a provider record by id.
	Upsert(ctx context.Context, rec ProviderRecord) error

	// UpsertInventory creates the provider if absent and updates its counters.
	UpsertInventory(ctx context.Context, providerID string, free, occupied int, seenAt time.Time) error

	// PruneStale removes providers not seen within timeout and returns their ids.
	PruneStale(timeout time.Duration, now time.Time, excludeID string) []string

	// FindProviders returns the providers advertising capability. A blank
	// capability returns every known provider.
	FindProviders(ctx context.Context, capability string) []string

	// Get returns a copy of a provider record.
	Get(ctx context.Context, providerID string) (*ProviderRecord, error)

	// List returns copies of every provider record.
	List(ctx context.Context) []*ProviderRecord

	// Remove deletes a provider.
	Remove(ctx context.Context, providerID string) error

	// Subscribe subscribes to registry events.
	Subscribe(handler RegistryEventHandler) string

	// Unsubscribe unsubscribes from registry events.
	Unsubscribe(subscriptionID string)
}
