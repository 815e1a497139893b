package negotiation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/holonflow/agent/capability"
)

var (
	// ErrDuplicateConversation is returned when a conversation id is already active.
	ErrDuplicateConversation = errors.New("conversation already active")
	// ErrInvalidTransition is returned for an out-of-order state change.
	ErrInvalidTransition = errors.New("invalid negotiation state transition")
)

// State is the phase of a negotiation.
type State string

const (
	StateParsing     State = "parsing"
	StateDispatching State = "dispatching"
	StateCollecting  State = "collecting"
	StateResolved    State = "resolved"
)

var transitions = map[State][]State{
	StateParsing:     {StateDispatching, StateResolved},
	StateDispatching: {StateCollecting, StateResolved},
	StateCollecting:  {StateResolved},
}

// NegotiationContext is the state of one negotiation. It is owned by the
// coordinator and passed explicitly to every step.
type NegotiationContext struct {
	ConversationID  string
	OriginalID      string
	RequesterID     string
	ReplyTo         string
	ProductID       string
	Requirements    []capability.CapabilityRequirement
	FeasibilityOnly bool
	Deadline        time.Time
	StartedAt       time.Time

	mu         sync.Mutex
	state      State
	infeasible bool
	providers  map[string][]string
	pending    map[string]map[string]struct{}
	offers     map[string][]capability.Offer
	refusals   map[string][]RefusalPayload
}

// NewNegotiationContext creates a context in the Parsing state. A non-empty
// productID replaces conversationID as the correlation key.
func NewNegotiationContext(conversationID, requesterID, productID string, reqs []capability.CapabilityRequirement) *NegotiationContext {
	id := conversationID
	if p := strings.TrimSpace(productID); p != "" {
		id = p
	}
	return &NegotiationContext{
		ConversationID: id,
		OriginalID:     conversationID,
		RequesterID:    requesterID,
		ProductID:      strings.TrimSpace(productID),
		Requirements:   reqs,
		StartedAt:      time.Now(),
		state:          StateParsing,
		providers:      make(map[string][]string),
		pending:        make(map[string]map[string]struct{}),
		offers:         make(map[string][]capability.Offer),
		refusals:       make(map[string][]RefusalPayload),
	}
}

// State returns the current phase.
func (n *NegotiationContext) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Transition moves to the next phase.
func (n *NegotiationContext) Transition(to State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, allowed := range transitions[n.state] {
		if allowed == to {
			n.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.state, to)
}

// SetProviders records the candidate providers of a requirement. An empty
// list marks the chain infeasible.
func (n *NegotiationContext) SetProviders(requirementID string, providers []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.providers[requirementID] = providers
	waiting := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		waiting[strings.ToLower(p)] = struct{}{}
	}
	n.pending[requirementID] = waiting
	if len(providers) == 0 {
		n.infeasible = true
	}
}

// Providers returns the candidate providers of a requirement.
func (n *NegotiationContext) Providers(requirementID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.providers[requirementID]...)
}

// Infeasible reports whether some requirement has no candidate provider.
func (n *NegotiationContext) Infeasible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.infeasible
}

// known reports whether requirementID belongs to this negotiation.
func (n *NegotiationContext) known(requirementID string) bool {
	for _, r := range n.Requirements {
		if r.RequirementID == requirementID {
			return true
		}
	}
	return false
}

// AddOffer records an offer. Offers for unknown requirements are ignored.
func (n *NegotiationContext) AddOffer(requirementID, providerID string, offer capability.Offer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.known(requirementID) {
		return false
	}
	n.offers[requirementID] = append(n.offers[requirementID], offer)
	delete(n.pending[requirementID], strings.ToLower(providerID))
	return true
}

// AddRefusal records a refusal.
func (n *NegotiationContext) AddRefusal(requirementID, providerID string, r RefusalPayload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.known(requirementID) {
		return false
	}
	n.refusals[requirementID] = append(n.refusals[requirementID], r)
	delete(n.pending[requirementID], strings.ToLower(providerID))
	return true
}

// Offers returns the offers of a requirement.
func (n *NegotiationContext) Offers(requirementID string) []capability.Offer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]capability.Offer(nil), n.offers[requirementID]...)
}

// Refusals returns the refusals of a requirement.
func (n *NegotiationContext) Refusals(requirementID string) []RefusalPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]RefusalPayload(nil), n.refusals[requirementID]...)
}

// Complete reports whether every dispatched provider has answered.
func (n *NegotiationContext) Complete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, waiting := range n.pending {
		if len(waiting) > 0 {
			return false
		}
	}
	return true
}

// Unanswered returns the requirements that received no offer.
func (n *NegotiationContext) Unanswered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, r := range n.Requirements {
		if len(n.offers[r.RequirementID]) == 0 {
			out = append(out, r.RequirementID)
		}
	}
	return out
}

// =============================================================================
// 📋 会话表
// =============================================================================

// ConversationTable tracks the active negotiations of one agent.
type ConversationTable struct {
	mu     sync.Mutex
	active map[string]*NegotiationContext
}

// NewConversationTable creates an empty table.
func NewConversationTable() *ConversationTable {
	return &ConversationTable{active: make(map[string]*NegotiationContext)}
}

// Begin registers nc. It fails with ErrDuplicateConversation when the id
// is already active.
func (t *ConversationTable) Begin(nc *NegotiationContext) error {
	return t.begin(nc.ConversationID, nc)
}

// BeginKey registers an arbitrary unit-of-work key.
func (t *ConversationTable) BeginKey(key string) error {
	return t.begin(key, nil)
}

func (t *ConversationTable) begin(key string, nc *NegotiationContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConversation, key)
	}
	t.active[key] = nc
	return nil
}

// End releases a conversation id.
func (t *ConversationTable) End(conversationID string) {
	t.mu.Lock()
	delete(t.active, conversationID)
	t.mu.Unlock()
}

// Get returns an active negotiation.
func (t *ConversationTable) Get(conversationID string) (*NegotiationContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nc, ok := t.active[conversationID]
	return nc, ok && nc != nil
}

// Len returns the number of active entries.
func (t *ConversationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// =============================================================================
// 🔁 拒绝去重
// =============================================================================

// refusalLedger remembers which conversations were already refused.
type refusalLedger struct {
	mu   sync.Mutex
	ttl  time.Duration
	sent map[string]time.Time
}

func newRefusalLedger(ttl time.Duration) *refusalLedger {
	return &refusalLedger{ttl: ttl, sent: make(map[string]time.Time)}
}

// claim reports whether a refusal may be sent for id and records it.
func (l *refusalLedger) claim(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ttl > 0 {
		for k, at := range l.sent {
			if now.Sub(at) > l.ttl {
				delete(l.sent, k)
			}
		}
	}
	if _, ok := l.sent[id]; ok {
		return false
	}
	l.sent[id] = now
	return true
}
