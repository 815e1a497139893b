package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/messaging"
)

// DefaultTransportCapability is the capability transport providers advertise.
const DefaultTransportCapability = "Transport"

// Keys of the transport leg carried in ConstraintSet.Other of a transport CFP.
const (
	LegProductID     = "productId"
	LegSourceStation = "sourceStation"
	LegTargetStation = "targetStation"
	LegPlacement     = "placement"
)

// DefaultBrokerCollectTimeout is the broker's collect window. It stays below
// the holon's transport timeout.
const DefaultBrokerCollectTimeout = 2 * time.Second

// BrokerOption configures a TransportBroker.
type BrokerOption func(*TransportBroker)

// WithCollectTimeout sets how long the broker waits for transport offers.
func WithCollectTimeout(d time.Duration) BrokerOption {
	return func(b *TransportBroker) {
		if d > 0 {
			b.collectTimeout = d
		}
	}
}

// TransportBroker answers transport plan requests on the dispatcher: it runs
// a single-requirement CFP round among the transport providers and replies
// with the collected offers.
type TransportBroker struct {
	agent       *AgentContext
	client      messaging.Client
	topics      messaging.Topics
	registry    discovery.Registry
	coordinator *Coordinator
	capability  string
	logger      *zap.Logger

	collectTimeout time.Duration

	mu  sync.Mutex
	sub messaging.Subscription
	wg  sync.WaitGroup
}

// NewTransportBroker creates a broker. An empty transportCapability uses
// DefaultTransportCapability.
func NewTransportBroker(agent *AgentContext, client messaging.Client, topics messaging.Topics, registry discovery.Registry, coordinator *Coordinator, transportCapability string, logger *zap.Logger, opts ...BrokerOption) *TransportBroker {
	if strings.TrimSpace(transportCapability) == "" {
		transportCapability = DefaultTransportCapability
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &TransportBroker{
		agent:          agent,
		client:         client,
		topics:         topics,
		registry:       registry,
		coordinator:    coordinator,
		capability:     transportCapability,
		logger:         logger.With(zap.String("component", "transport_broker")),
		collectTimeout: DefaultBrokerCollectTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to transport plan requests.
func (b *TransportBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.client.Subscribe(ctx, b.topics.TransportPlan(), func(hctx context.Context, env *messaging.Envelope) {
		b.wg.Add(1)
		defer b.wg.Done()
		b.Handle(hctx, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe transport plan: %w", err)
	}
	b.sub = sub
	b.logger.Info("transport broker started",
		zap.String("topic", b.topics.TransportPlan()),
		zap.String("capability", b.capability),
		zap.Duration("collect_timeout", b.collectTimeout),
	)
	return nil
}

// Stop unsubscribes and waits for running requests.
func (b *TransportBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	b.wg.Wait()
	return err
}

// Handle answers one transport request.
func (b *TransportBroker) Handle(ctx context.Context, env *messaging.Envelope) {
	if env.Performative != messaging.CallForProposal || env.Type != messaging.TypeTransport {
		return
	}
	var req TransportRequest
	if err := env.Decode(&req); err != nil {
		b.logger.Warn("ignoring malformed transport request",
			zap.String("conversation_id", env.ConversationID),
			zap.Error(err),
		)
		return
	}
	logger := b.logger.With(
		zap.String("conversation_id", env.ConversationID),
		zap.String("requirement_id", req.RequirementID),
		zap.String("product_id", req.ProductID),
	)

	perf, payload := b.plan(ctx, env, req, logger)

	reply, err := env.Reply(perf, b.agent.AgentID(), payload)
	if err != nil {
		logger.Error("cannot encode transport reply", zap.Error(err))
		return
	}
	reply.WithType(messaging.TypeTransport, messaging.SubTypeTransportRequest)
	topic := env.ReplyTo
	if topic == "" {
		topic = b.topics.TransportResponse()
	}
	if err := b.client.Publish(ctx, topic, reply); err != nil {
		logger.Warn("failed to send transport reply", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *TransportBroker) plan(ctx context.Context, env *messaging.Envelope, req TransportRequest, logger *zap.Logger) (messaging.Performative, any) {
	refuse := func(reason, code, diag string) (messaging.Performative, any) {
		return messaging.Refusal, RefusalPayload{RequirementID: req.RequirementID, Reason: reason, Code: code, Diagnostics: diag}
	}

	if strings.TrimSpace(req.TargetStation) == "" && strings.TrimSpace(req.SourceStation) == "" {
		return refuse("transport request names no station", CodeInvalidRequest, "")
	}
	if len(b.registry.FindProviders(ctx, b.capability)) == 0 {
		logger.Warn("no transport provider registered", zap.String("capability", b.capability))
		return refuse(ReasonNoTransport, CodeNoTransport, "")
	}

	requirementID := req.RequirementID
	if requirementID == "" {
		requirementID = "transport"
	}
	leg := capability.CapabilityRequirement{
		Capability:    b.capability,
		RequirementID: requirementID,
		Placement:     req.Placement,
		Constraints: &capability.ConstraintSet{Other: map[string]string{
			LegProductID:     req.ProductID,
			LegSourceStation: req.SourceStation,
			LegTargetStation: req.TargetStation,
			LegPlacement:     string(req.Placement),
		}},
	}
	nc := NewNegotiationContext(env.ConversationID, env.SenderID, "", []capability.CapabilityRequirement{leg})

	nctx, cancel := context.WithTimeout(ctx, b.collectTimeout)
	defer cancel()
	out, err := b.coordinator.Negotiate(nctx, nc)
	if err != nil {
		if errors.Is(err, ErrDuplicateConversation) {
			logger.Warn("transport request already in progress")
		}
		return refuse(ReasonNoTransport, CodeNoTransport, err.Error())
	}
	if out.IsRefusal() {
		return refuse(ReasonNoTransport, CodeNoTransport, out.Refusal.Diagnostics)
	}

	var offers []capability.Offer
	for _, step := range out.Proposal.Steps {
		offers = append(offers, step.Offers...)
	}
	logger.Info("transport offers collected", zap.Int("offers", len(offers)))
	return messaging.Consent, TransportResponse{Offers: offers}
}
