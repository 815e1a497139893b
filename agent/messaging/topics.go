package messaging

import (
	"fmt"
	"strings"

	"github.com/BaSui01/holonflow/agent/capability"
)

// Topic templates. {Namespace} and {AgentId} are resolved with
// capability.ResolveBindings.
const (
	TemplateProcessChain         = "/{Namespace}/ProcessChain"
	TemplateProcessChainResponse = "/{Namespace}/ProcessChain/Response"
	TemplateOfferRequest         = "/{Namespace}/{AgentId}/PlanningAgent/OfferRequest"
	TemplateOfferResponse        = "/{Namespace}/{AgentId}/PlanningAgent/OfferResponse"
	TemplateTransportPlan        = "/{Namespace}/TransportPlan"
	TemplateTransportResponse    = "/{Namespace}/TransportPlan/Response"
	TemplateRegistration         = "/{Namespace}/Registration"
	TemplateInventory            = "/{Namespace}/Inventory"
)

// Topics resolves namespace-scoped topic names.
type Topics struct {
	namespace string
}

// NewTopics validates the namespace and returns a topic builder.
func NewTopics(namespace string) (Topics, error) {
	ns := strings.Trim(strings.TrimSpace(namespace), "/")
	if ns == "" {
		return Topics{}, fmt.Errorf("namespace is empty")
	}
	return Topics{namespace: ns}, nil
}

// Namespace returns the namespace.
func (t Topics) Namespace() string { return t.namespace }

// Resolve resolves any template against the namespace and agent id.
func (t Topics) Resolve(template, agentID string) (string, error) {
	b := capability.BindingMap{"Namespace": t.namespace}
	if agentID != "" {
		b["AgentId"] = agentID
	}
	return capability.ResolveBindings(template, b)
}

func (t Topics) must(template string) string {
	s, err := t.Resolve(template, "")
	if err != nil {
		// only reachable on a zero Topics
		panic(err)
	}
	return s
}

func (t Topics) ProcessChain() string         { return t.must(TemplateProcessChain) }
func (t Topics) ProcessChainResponse() string { return t.must(TemplateProcessChainResponse) }
func (t Topics) TransportPlan() string        { return t.must(TemplateTransportPlan) }
func (t Topics) TransportResponse() string    { return t.must(TemplateTransportResponse) }
func (t Topics) Registration() string         { return t.must(TemplateRegistration) }
func (t Topics) Inventory() string            { return t.must(TemplateInventory) }

// OfferRequest is the CFP inbox of a provider.
func (t Topics) OfferRequest(providerID string) (string, error) {
	return t.Resolve(TemplateOfferRequest, providerID)
}

// OfferResponse is where providers answer CFPs from agentID.
func (t Topics) OfferResponse(agentID string) (string, error) {
	return t.Resolve(TemplateOfferResponse, agentID)
}

// subjectFor maps a slash topic to a dotted subject for brokers that reserve
// '/' or use '.' as the token separator.
func subjectFor(topic string) string {
	s := strings.Trim(topic, "/")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "/", ".")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '*', '>':
			return '_'
		}
		return r
	}, s)
	return s
}
