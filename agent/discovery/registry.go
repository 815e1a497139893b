package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrProviderNotFound is returned when a provider id is unknown.
var ErrProviderNotFound = errors.New("provider not found")

// CapabilityRegistry is the in-memory provider directory.
//
// The provider map and the capability index are guarded by one RWMutex so no
// reader can observe an index entry whose provider is gone, or a provider
// whose capabilities are not indexed. Registration and heartbeat traffic is a
// few messages per provider per interval, so a single coarse lock is not a
// contention point at the fleet sizes this serves (hundreds of holons).
type CapabilityRegistry struct {
	mu sync.RWMutex

	// providers stores records by lower-cased provider id.
	providers map[string]*ProviderRecord

	// capabilityIndex maps lower-cased capability name -> set of lower-cased provider ids.
	capabilityIndex map[string]map[string]struct{}

	eventHandlers map[string]RegistryEventHandler
	handlerMu     sync.RWMutex
	handlerSeq    atomic.Uint64

	config *RegistryConfig
	clock  Clock
	logger *zap.Logger
}

// RegistryConfig holds configuration for the capability registry.
type RegistryConfig struct {
	// StaleTimeout is how long a provider may stay silent before pruning.
	StaleTimeout time.Duration `json:"stale_timeout" yaml:"stale_timeout"`

	// PruneInterval is the interval between prune passes.
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`

	// SelfID is never pruned (the dispatcher's own entry).
	SelfID string `json:"self_id" yaml:"self_id"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		StaleTimeout:  90 * time.Second,
		PruneInterval: 15 * time.Second,
	}
}

// NewCapabilityRegistry creates a new capability registry.
func NewCapabilityRegistry(config *RegistryConfig, clock Clock, logger *zap.Logger) *CapabilityRegistry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CapabilityRegistry{
		providers:       make(map[string]*ProviderRecord),
		capabilityIndex: make(map[string]map[string]struct{}),
		eventHandlers:   make(map[string]RegistryEventHandler),
		config:          config,
		clock:           clock,
		logger:          logger.With(zap.String("component", "capability_registry")),
	}
}

// Config returns the registry configuration.
func (r *CapabilityRegistry) Config() *RegistryConfig { return r.config }

// Upsert inserts or replaces a provider record. On replace, live inventory is
// kept unless the incoming record carries inventory, so heartbeats never zero
// counters reported by inventory updates.
func (r *CapabilityRegistry) Upsert(ctx context.Context, rec ProviderRecord) error {
	id := strings.TrimSpace(rec.ProviderID)
	if id == "" {
		return fmt.Errorf("provider id is empty")
	}
	key := providerKey(id)

	seen := rec.LastSeen
	if seen.IsZero() {
		seen = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.providers[key]

	stored := &ProviderRecord{
		ProviderID:   id,
		Capabilities: dedupeCapabilities(rec.Capabilities),
		LastSeen:     seen,
		Inventory:    &Inventory{},
	}
	switch {
	case rec.Inventory != nil:
		*stored.Inventory = *rec.Inventory
	case exists && existing.Inventory != nil:
		*stored.Inventory = *existing.Inventory
	}

	if exists {
		r.unindexProvider(key, existing.Capabilities)
	}
	r.providers[key] = stored
	r.indexProvider(key, stored.Capabilities)

	eventType := EventProviderRegistered
	if exists {
		eventType = EventProviderUpdated
		r.logger.Debug("provider updated",
			zap.String("provider_id", id),
			zap.Int("capabilities", len(stored.Capabilities)),
		)
	} else {
		r.logger.Info("provider registered",
			zap.String("provider_id", id),
			zap.Strings("capabilities", stored.Capabilities),
		)
	}

	r.emitEvent(&RegistryEvent{
		Type:       eventType,
		ProviderID: id,
		Timestamp:  seen,
	})

	return nil
}

// UpsertInventory creates the provider if absent and updates its counters and
// last-seen timestamp.
func (r *CapabilityRegistry) UpsertInventory(ctx context.Context, providerID string, free, occupied int, seenAt time.Time) error {
	id := strings.TrimSpace(providerID)
	if id == "" {
		return fmt.Errorf("provider id is empty")
	}
	if free < 0 || occupied < 0 {
		return fmt.Errorf("inventory counters must be non-negative (free=%d occupied=%d)", free, occupied)
	}
	if seenAt.IsZero() {
		seenAt = r.clock.Now()
	}
	key := providerKey(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.providers[key]
	if !exists {
		rec = &ProviderRecord{ProviderID: id}
		r.providers[key] = rec
	}
	rec.Inventory = &Inventory{Free: free, Occupied: occupied}
	rec.LastSeen = seenAt

	r.emitEvent(&RegistryEvent{
		Type:       EventInventoryUpdated,
		ProviderID: rec.ProviderID,
		Data:       mustMarshal(rec.Inventory),
		Timestamp:  seenAt,
	})

	return nil
}

// PruneStale removes every provider whose now-lastSeen exceeds timeout,
// except excludeID. A non-positive timeout disables pruning.
func (r *CapabilityRegistry) PruneStale(timeout time.Duration, now time.Time, excludeID string) []string {
	if timeout <= 0 {
		return []string{}
	}
	exclude := providerKey(excludeID)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]string, 0)
	for key, rec := range r.providers {
		if exclude != "" && key == exclude {
			continue
		}
		if now.Sub(rec.LastSeen) > timeout {
			r.unindexProvider(key, rec.Capabilities)
			delete(r.providers, key)
			removed = append(removed, rec.ProviderID)
		}
	}
	sort.Strings(removed)

	for _, id := range removed {
		r.emitEvent(&RegistryEvent{
			Type:       EventProviderRemoved,
			ProviderID: id,
			Timestamp:  now,
		})
	}

	if len(removed) > 0 {
		r.logger.Info("stale providers pruned",
			zap.Strings("provider_ids", removed),
			zap.Duration("timeout", timeout),
		)
	}

	return removed
}

// FindProviders returns the provider ids advertising capability, sorted.
// A blank capability returns every provider id ("any capability" broadcast).
func (r *CapabilityRegistry) FindProviders(ctx context.Context, capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capKey := capabilityKey(capability)
	var ids []string
	if capKey == "" {
		ids = make([]string, 0, len(r.providers))
		for _, rec := range r.providers {
			ids = append(ids, rec.ProviderID)
		}
	} else {
		members := r.capabilityIndex[capKey]
		ids = make([]string, 0, len(members))
		for key := range members {
			if rec, ok := r.providers[key]; ok {
				ids = append(ids, rec.ProviderID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Get retrieves a provider record by id.
func (r *CapabilityRegistry) Get(ctx context.Context, providerID string) (*ProviderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.providers[providerKey(providerID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return copyRecord(rec), nil
}

// List returns every provider record, sorted by id.
func (r *CapabilityRegistry) List(ctx context.Context) []*ProviderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ProviderRecord, 0, len(r.providers))
	for _, rec := range r.providers {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Len returns the number of providers.
func (r *CapabilityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Remove deletes a provider.
func (r *CapabilityRegistry) Remove(ctx context.Context, providerID string) error {
	key := providerKey(providerID)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.providers[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	r.unindexProvider(key, rec.Capabilities)
	delete(r.providers, key)

	r.logger.Info("provider removed", zap.String("provider_id", rec.ProviderID))
	r.emitEvent(&RegistryEvent{
		Type:       EventProviderRemoved,
		ProviderID: rec.ProviderID,
		Timestamp:  r.clock.Now(),
	})
	return nil
}

// Subscribe subscribes to registry events.
func (r *CapabilityRegistry) Subscribe(handler RegistryEventHandler) string {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	id := fmt.Sprintf("sub-%d", r.handlerSeq.Add(1))
	r.eventHandlers[id] = handler
	return id
}

// Unsubscribe unsubscribes from registry events.
func (r *CapabilityRegistry) Unsubscribe(subscriptionID string) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	delete(r.eventHandlers, subscriptionID)
}

// indexProvider adds a provider's capabilities to the index. Caller holds mu.
func (r *CapabilityRegistry) indexProvider(key string, capabilities []string) {
	for _, c := range capabilities {
		ck := capabilityKey(c)
		if ck == "" {
			continue
		}
		if r.capabilityIndex[ck] == nil {
			r.capabilityIndex[ck] = make(map[string]struct{})
		}
		r.capabilityIndex[ck][key] = struct{}{}
	}
}

// unindexProvider removes a provider's capabilities from the index. Caller holds mu.
func (r *CapabilityRegistry) unindexProvider(key string, capabilities []string) {
	for _, c := range capabilities {
		ck := capabilityKey(c)
		if members, ok := r.capabilityIndex[ck]; ok {
			delete(members, key)
			if len(members) == 0 {
				delete(r.capabilityIndex, ck)
			}
		}
	}
}

// emitEvent emits a registry event to all subscribers.
func (r *CapabilityRegistry) emitEvent(event *RegistryEvent) {
	r.handlerMu.RLock()
	handlers := make([]RegistryEventHandler, 0, len(r.eventHandlers))
	for _, h := range r.eventHandlers {
		handlers = append(handlers, h)
	}
	r.handlerMu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

func providerKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func capabilityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// dedupeCapabilities drops blanks and case-insensitive duplicates, keeping
// the first spelling.
func dedupeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		k := capabilityKey(c)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// copyRecord creates a deep copy of a ProviderRecord.
func copyRecord(rec *ProviderRecord) *ProviderRecord {
	out := &ProviderRecord{
		ProviderID: rec.ProviderID,
		LastSeen:   rec.LastSeen,
		Inventory:  &Inventory{},
	}
	if rec.Inventory != nil {
		*out.Inventory = *rec.Inventory
	}
	if len(rec.Capabilities) > 0 {
		out.Capabilities = make([]string, len(rec.Capabilities))
		copy(out.Capabilities, rec.Capabilities)
	}
	return out
}

// mustMarshal marshals data to JSON, returning nil on error.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Ensure CapabilityRegistry implements Registry interface.
var _ Registry = (*CapabilityRegistry)(nil)
