package negotiation

import (
	"strings"
	"sync"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/messaging"
)

// Identity names an agent.
type Identity struct {
	AgentID   string
	Namespace string
	Station   string
}

// InventorySnapshot is the last known storage state of one station.
type InventorySnapshot struct {
	Station  string
	Free     int
	Occupied int
	Slots    []InventorySlot
}

// FirstProduct returns the first non-empty product id in the snapshot.
func (s InventorySnapshot) FirstProduct() (string, bool) {
	for _, slot := range s.Slots {
		if p := strings.TrimSpace(slot.ProductID); p != "" && p != capability.Wildcard {
			return p, true
		}
	}
	return "", false
}

const inboundSeenLimit = 1024

// AgentContext is the typed state shared by the units of work of one agent.
// It replaces a string-keyed blackboard: each logical key has an accessor.
type AgentContext struct {
	identity Identity

	mu        sync.Mutex
	inbound   []*messaging.Envelope
	seen      map[string]struct{}
	seenOrder []string
	ready     chan struct{}

	invMu     sync.RWMutex
	inventory *InventorySnapshot
	modules   map[string]InventorySnapshot
	moduleSeq []string
}

// NewAgentContext creates the context of one agent.
func NewAgentContext(id Identity) *AgentContext {
	return &AgentContext{
		identity: id,
		seen:     make(map[string]struct{}),
		ready:    make(chan struct{}, 1),
		modules:  make(map[string]InventorySnapshot),
	}
}

func (c *AgentContext) Identity() Identity { return c.identity }
func (c *AgentContext) AgentID() string    { return c.identity.AgentID }
func (c *AgentContext) Namespace() string  { return c.identity.Namespace }
func (c *AgentContext) Station() string    { return c.identity.Station }

// Lookup implements capability.Bindings.
func (c *AgentContext) Lookup(key string) (string, bool) {
	switch key {
	case "AgentId":
		return c.identity.AgentID, c.identity.AgentID != ""
	case "Namespace":
		return c.identity.Namespace, c.identity.Namespace != ""
	case "Station":
		return c.identity.Station, c.identity.Station != ""
	}
	return "", false
}

// =============================================================================
// 📥 入站消息槽
// =============================================================================

// PutInbound queues an inbound envelope. An envelope whose id was already
// queued or taken is dropped and PutInbound returns false.
func (c *AgentContext) PutInbound(env *messaging.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[env.ID]; dup {
		return false
	}
	c.seen[env.ID] = struct{}{}
	c.seenOrder = append(c.seenOrder, env.ID)
	if len(c.seenOrder) > inboundSeenLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	c.inbound = append(c.inbound, env)

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true
}

// TakeInbound removes and returns the oldest queued envelope.
func (c *AgentContext) TakeInbound() (*messaging.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inbound) == 0 {
		return nil, false
	}
	env := c.inbound[0]
	c.inbound[0] = nil
	c.inbound = c.inbound[1:]
	return env, true
}

// InboundLen returns the number of queued envelopes.
func (c *AgentContext) InboundLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbound)
}

// InboundReady is signalled when an envelope is queued.
func (c *AgentContext) InboundReady() <-chan struct{} { return c.ready }

// =============================================================================
// 📦 库存快照
// =============================================================================

// SetInventory replaces the agent's own inventory snapshot.
func (c *AgentContext) SetInventory(s InventorySnapshot) {
	if s.Station == "" {
		s.Station = c.identity.Station
	}
	s.Slots = append([]InventorySlot(nil), s.Slots...)

	c.invMu.Lock()
	c.inventory = &s
	c.invMu.Unlock()
}

// Inventory returns the agent's own inventory snapshot.
func (c *AgentContext) Inventory() (InventorySnapshot, bool) {
	c.invMu.RLock()
	defer c.invMu.RUnlock()
	if c.inventory == nil {
		return InventorySnapshot{}, false
	}
	return *c.inventory, true
}

// SetModuleInventory records the snapshot of another station in the module.
func (c *AgentContext) SetModuleInventory(s InventorySnapshot) {
	key := strings.ToLower(s.Station)
	s.Slots = append([]InventorySlot(nil), s.Slots...)

	c.invMu.Lock()
	defer c.invMu.Unlock()
	if _, ok := c.modules[key]; !ok {
		c.moduleSeq = append(c.moduleSeq, key)
	}
	c.modules[key] = s
}

// ModuleInventories returns the module snapshots in first-seen order.
func (c *AgentContext) ModuleInventories() []InventorySnapshot {
	c.invMu.RLock()
	defer c.invMu.RUnlock()
	out := make([]InventorySnapshot, 0, len(c.moduleSeq))
	for _, k := range c.moduleSeq {
		out = append(out, c.modules[k])
	}
	return out
}

// ResolveProductID finds a product id for a wildcard placeholder. A snapshot
// whose station equals station wins; otherwise the first non-empty product
// id of the own inventory, then of the module inventories, is used.
func (c *AgentContext) ResolveProductID(station string) (string, bool) {
	c.invMu.RLock()
	defer c.invMu.RUnlock()

	snapshots := make([]InventorySnapshot, 0, len(c.moduleSeq)+1)
	if c.inventory != nil {
		snapshots = append(snapshots, *c.inventory)
	}
	for _, k := range c.moduleSeq {
		snapshots = append(snapshots, c.modules[k])
	}

	if station = strings.TrimSpace(station); station != "" {
		for _, s := range snapshots {
			if strings.EqualFold(s.Station, station) {
				if p, ok := s.FirstProduct(); ok {
					return p, true
				}
			}
		}
	}
	for _, s := range snapshots {
		if p, ok := s.FirstProduct(); ok {
			return p, true
		}
	}
	return "", false
}

var _ capability.Bindings = (*AgentContext)(nil)
