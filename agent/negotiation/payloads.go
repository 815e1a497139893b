package negotiation

import (
	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/discovery"
)

// Refusal reasons sent on the wire. They are stable strings; clients match
// on Code.
const (
	ReasonNoCapableAgent = "no registered agent implements the required capabilities"
	ReasonNoProvider     = "no provider advertises a required capability"
	ReasonNoOffer        = "not every requirement received an offer"
	ReasonInternal       = "internal error while composing offer"
	ReasonNoTransport    = "no transport provider offered for the requested leg"
)

// Refusal codes.
const (
	CodeNoCapableAgent      = "no_capable_agent"
	CodeNoProvider          = "capability_not_found"
	CodeNoOffer             = "no_offer"
	CodeInternal            = "internal_error"
	CodeStoreUnavailable    = "capability_store_unavailable"
	CodeNotDescribed        = "capability_not_described"
	CodeScheduleUnavailable = "schedule_unavailable"
	CodeNoTransport         = "no_transport_provider"
	CodeInvalidRequest      = "invalid_request"
)

// ProcessChainRequest asks the dispatcher to find providers for an ordered
// chain of capability requirements.
type ProcessChainRequest struct {
	ProductID       string                             `json:"productId,omitempty"`
	Requirements    []capability.CapabilityRequirement `json:"requirements"`
	FeasibilityOnly bool                               `json:"feasibilityOnly,omitempty"`
}

// CallForProposal is the CFP sent to each candidate provider.
type CallForProposal struct {
	RequirementID string                            `json:"requirementId"`
	Capability    string                            `json:"capability"`
	Properties    []capability.PropertyDescriptor   `json:"properties,omitempty"`
	Constraints   *capability.ConstraintSet         `json:"constraints,omitempty"`
	Transport     []capability.TransportRequirement `json:"transport,omitempty"`
	ProductID     string                            `json:"productId,omitempty"`
}

// CFPFromRequirement builds the CFP for one requirement.
func CFPFromRequirement(req capability.CapabilityRequirement, productID string) CallForProposal {
	return CallForProposal{
		RequirementID: req.RequirementID,
		Capability:    req.Capability,
		Properties:    req.Properties,
		Constraints:   req.Constraints.Clone(),
		Transport:     req.Transport,
		ProductID:     productID,
	}
}

// OfferPayload carries a provider's offer for one requirement.
type OfferPayload struct {
	RequirementID string           `json:"requirementId"`
	Offer         capability.Offer `json:"offer"`
}

// RefusalPayload explains a refusal.
type RefusalPayload struct {
	RequirementID string `json:"requirementId,omitempty"`
	Reason        string `json:"reason"`
	Code          string `json:"code,omitempty"`
	Diagnostics   string `json:"diagnostics,omitempty"`
}

// ChainStep is the negotiated result for one requirement.
type ChainStep struct {
	RequirementID string             `json:"requirementId"`
	Capability    string             `json:"capability"`
	Offers        []capability.Offer `json:"offers,omitempty"`
	Providers     []string           `json:"providers,omitempty"`
}

// ChainProposal answers a feasible process chain.
type ChainProposal struct {
	ConversationID string      `json:"conversationId"`
	Steps          []ChainStep `json:"steps"`
}

// TransportRequest asks the dispatcher to plan one transport leg.
type TransportRequest struct {
	ProductID     string               `json:"productId"`
	SourceStation string               `json:"sourceStation,omitempty"`
	TargetStation string               `json:"targetStation"`
	Placement     capability.Placement `json:"placement"`
	RequirementID string               `json:"requirementId"`
}

// TransportResponse carries transport offers.
type TransportResponse struct {
	Offers []capability.Offer `json:"offers"`
}

// InventorySlot is one storage slot of a station.
type InventorySlot struct {
	SlotID    string `json:"slotId,omitempty"`
	ProductID string `json:"productId,omitempty"`
}

// RegistrationPayload is the heartbeat a holon publishes.
type RegistrationPayload struct {
	ProviderID   string               `json:"providerId"`
	Station      string               `json:"station,omitempty"`
	Capabilities []string             `json:"capabilities"`
	Inventory    *discovery.Inventory `json:"inventory,omitempty"`
}

// InventoryPayload reports a station's storage state.
type InventoryPayload struct {
	ProviderID string          `json:"providerId"`
	Station    string          `json:"station,omitempty"`
	Free       int             `json:"free"`
	Occupied   int             `json:"occupied"`
	Slots      []InventorySlot `json:"slots,omitempty"`
}
