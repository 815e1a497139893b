package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/graph"
	"github.com/BaSui01/holonflow/agent/matching"
	"github.com/BaSui01/holonflow/agent/messaging"
	"github.com/BaSui01/holonflow/internal/pool"
)

// Matcher pairs required with offered properties.
type Matcher interface {
	Match(ctx context.Context, required, offered []capability.PropertyDescriptor) matching.Result
}

// CapabilitySource resolves the offered descriptions of a capability.
type CapabilitySource interface {
	Resolve(ctx context.Context, providerID, capabilityName string) (graph.Resolution, error)
}

// TransportPlanner negotiates the transport legs around a capability.
type TransportPlanner interface {
	Negotiate(ctx context.Context, conversationID string, legs []capability.TransportRequirement) TransportResult
}

// PlanResult is the outcome of planning one CFP.
type PlanResult struct {
	Offer   *capability.Offer
	Refusal *RefusalPayload
	Source  graph.Source
	Match   matching.Result
}

// PlannerOption configures an OfferPlanner.
type PlannerOption func(*OfferPlanner)

// WithTransport installs the transport negotiator.
func WithTransport(t TransportPlanner) PlannerOption {
	return func(p *OfferPlanner) { p.transport = t }
}

// WithScheduler replaces the default SlotScheduler.
func WithScheduler(s Scheduler) PlannerOption {
	return func(p *OfferPlanner) { p.scheduler = s }
}

// WithPlannerRecorder installs a metrics recorder.
func WithPlannerRecorder(r Recorder) PlannerOption {
	return func(p *OfferPlanner) { p.recorder = recorderOrNop(r) }
}

// WithWorkerPool bounds how many CFPs are planned concurrently.
func WithWorkerPool(wp *pool.WorkerPool) PlannerOption {
	return func(p *OfferPlanner) { p.workers = wp }
}

// OfferPlanner answers CFPs on behalf of one holon.
type OfferPlanner struct {
	agent     *AgentContext
	client    messaging.Client
	topics    messaging.Topics
	source    CapabilitySource
	matcher   Matcher
	transport TransportPlanner
	scheduler Scheduler
	table     *ConversationTable
	recorder  Recorder
	workers   *pool.WorkerPool
	logger    *zap.Logger

	mu  sync.Mutex
	sub messaging.Subscription
}

// NewOfferPlanner creates a planner.
func NewOfferPlanner(agent *AgentContext, client messaging.Client, topics messaging.Topics, source CapabilitySource, matcher Matcher, logger *zap.Logger, opts ...PlannerOption) *OfferPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &OfferPlanner{
		agent:    agent,
		client:   client,
		topics:   topics,
		source:   source,
		matcher:  matcher,
		table:    NewConversationTable(),
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "offer_planner"), zap.String("agent_id", agent.AgentID())),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.scheduler == nil {
		p.scheduler = NewSlotScheduler(DefaultSlotSchedulerConfig(), nil)
	}
	return p
}

// Start subscribes to the holon's CFP inbox.
func (p *OfferPlanner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return nil
	}
	topic, err := p.topics.OfferRequest(p.agent.AgentID())
	if err != nil {
		return fmt.Errorf("resolve offer request topic: %w", err)
	}
	handler := p.Handle
	if p.workers != nil {
		handler = p.handlePooled
	}
	sub, err := p.client.Subscribe(ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("subscribe offer requests: %w", err)
	}
	p.sub = sub
	p.logger.Info("offer planner started", zap.String("topic", topic))
	return nil
}

// Stop unsubscribes.
func (p *OfferPlanner) Stop(ctx context.Context) error {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (p *OfferPlanner) handlePooled(ctx context.Context, env *messaging.Envelope) {
	err := p.workers.SubmitWait(ctx, func(ctx context.Context) error {
		p.Handle(ctx, env)
		return nil
	})
	if err != nil {
		p.logger.Warn("cfp dropped", zap.String("envelope_id", env.ID), zap.Error(err))
	}
}

// Handle answers one CFP envelope.
func (p *OfferPlanner) Handle(ctx context.Context, env *messaging.Envelope) {
	if env.Performative != messaging.CallForProposal {
		p.logger.Debug("ignoring non-cfp envelope", zap.String("performative", string(env.Performative)))
		return
	}
	var cfp CallForProposal
	if err := env.Decode(&cfp); err != nil {
		p.logger.Warn("ignoring malformed cfp",
			zap.String("conversation_id", env.ConversationID),
			zap.Error(err),
		)
		return
	}

	key := env.ConversationID + "/" + cfp.RequirementID
	if err := p.table.BeginKey(key); err != nil {
		p.logger.Warn("cfp already being planned",
			zap.String("conversation_id", env.ConversationID),
			zap.String("requirement_id", cfp.RequirementID),
		)
		return
	}
	defer p.table.End(key)

	start := time.Now()
	ctx, span := tracer().Start(ctx, "negotiation.plan_offer",
		trace.WithAttributes(
			attribute.String("conversation.id", env.ConversationID),
			attribute.String("requirement.id", cfp.RequirementID),
			attribute.String("capability", cfp.Capability),
		))
	defer span.End()

	res := p.Plan(ctx, env.ConversationID, cfp)

	replyTo := env.ReplyTo
	if replyTo == "" {
		t, err := p.topics.OfferResponse(env.SenderID)
		if err != nil {
			p.logger.Warn("no reply topic for cfp", zap.String("conversation_id", env.ConversationID), zap.Error(err))
			p.release(res)
			return
		}
		replyTo = t
	}

	var (
		reply   *messaging.Envelope
		err     error
		outcome string
	)
	if res.Offer != nil {
		outcome = outcomeOffer
		reply, err = env.Reply(messaging.Proposal, p.agent.AgentID(), OfferPayload{RequirementID: cfp.RequirementID, Offer: *res.Offer})
	} else {
		outcome = outcomeRefusal
		reply, err = env.Reply(messaging.Refusal, p.agent.AgentID(), res.Refusal)
	}
	if err == nil {
		reply.WithType(messaging.TypeOffer, "")
		err = p.client.Publish(ctx, replyTo, reply)
	}
	if err != nil {
		outcome = outcomeError
		p.release(res)
		p.logger.Warn("failed to answer cfp",
			zap.String("conversation_id", env.ConversationID),
			zap.String("topic", replyTo),
			zap.Error(err),
		)
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.String("source", string(res.Source)))
	p.recorder.RecordNegotiation(roleHolon, outcome, time.Since(start))
}

func (p *OfferPlanner) release(res *PlanResult) {
	if res.Offer != nil {
		p.scheduler.Release(res.Offer.InstanceID)
	}
}

// Plan computes the answer to a CFP. It never panics; unexpected faults
// become the generic internal_error refusal.
func (p *OfferPlanner) Plan(ctx context.Context, conversationID string, cfp CallForProposal) (res *PlanResult) {
	logger := p.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("requirement_id", cfp.RequirementID),
		zap.String("capability", cfp.Capability),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("offer planning panicked", zap.Any("recover", r), zap.Stack("stack"))
			res = &PlanResult{Refusal: p.refuse(cfp, ReasonInternal, CodeInternal, "")}
		}
	}()

	res, err := p.plan(ctx, conversationID, cfp, logger)
	if err != nil {
		logger.Error("offer planning failed", zap.Error(err))
		return &PlanResult{Refusal: p.refuse(cfp, ReasonInternal, CodeInternal, "")}
	}
	return res
}

func (p *OfferPlanner) refuse(cfp CallForProposal, reason, code, diagnostics string) *RefusalPayload {
	return &RefusalPayload{
		RequirementID: cfp.RequirementID,
		Reason:        reason,
		Code:          code,
		Diagnostics:   diagnostics,
	}
}

func (p *OfferPlanner) plan(ctx context.Context, conversationID string, cfp CallForProposal, logger *zap.Logger) (*PlanResult, error) {
	resolution, err := p.source.Resolve(ctx, p.agent.AgentID(), cfp.Capability)
	switch {
	case errors.Is(err, graph.ErrStoreUnavailable):
		return &PlanResult{Refusal: p.refuse(cfp, err.Error(), CodeStoreUnavailable, "")}, nil
	case errors.Is(err, graph.ErrNotDescribed):
		return &PlanResult{Refusal: p.refuse(cfp, err.Error(), CodeNotDescribed, "")}, nil
	case err != nil:
		return nil, fmt.Errorf("resolve capability: %w", err)
	}

	desc, match, failure := p.bestMatch(ctx, cfp, resolution.Capabilities)
	if desc == nil {
		logger.Info("properties do not match",
			zap.String("code", string(failure.Code)),
			zap.String("reason", failure.Reason),
		)
		return &PlanResult{
			Refusal: p.refuse(cfp, failure.Reason, string(failure.Code), failure.Diagnostic()),
			Source:  resolution.Source,
			Match:   matching.Result{Matched: failure.MatchedSoFar, Failure: failure},
		}, nil
	}

	constraints := cfp.Constraints.Clone()
	if constraints.IsEmpty() {
		constraints = desc.Constraints.Clone()
	}
	storage := constraints.FirstStorage()
	if storage != nil && storage.HasWildcardProduct() {
		if pid, ok := p.agent.ResolveProductID(storage.TargetStation); ok {
			storage.ProductID = pid
		} else if cfp.ProductID != "" {
			storage.ProductID = cfp.ProductID
		}
		logger.Debug("resolved storage product",
			zap.String("target_station", storage.TargetStation),
			zap.String("product_id", storage.ProductID),
		)
	}

	legs := make([]capability.TransportRequirement, len(cfp.Transport))
	copy(legs, cfp.Transport)
	if len(legs) == 0 && storage != nil {
		legs = append(legs, capability.TransportFromStorage(*storage))
	}
	for i := range legs {
		if legs[i].RequirementID == "" {
			legs[i].RequirementID = fmt.Sprintf("%s-transport-%d", cfp.RequirementID, i+1)
		}
	}

	accepted := true
	var nested []capability.Offer
	if len(legs) > 0 {
		if p.transport == nil {
			logger.Warn("transport required but no transport negotiator configured", zap.Int("legs", len(legs)))
			accepted = false
		} else {
			tr := p.transport.Negotiate(ctx, conversationID, legs)
			nested = tr.Offers
			accepted = tr.Accepted
			if !accepted {
				logger.Warn("transport not accepted, offering without confirmed transport")
			}
		}
	}

	var notBefore time.Time
	for _, o := range nested {
		if o.Placement == capability.PlacementBefore.Tag() && o.Window.End.After(notBefore) {
			notBefore = o.Window.End
		}
	}

	instanceID := uuid.NewString()
	window, err := p.scheduler.Reserve(ctx, instanceID, notBefore, desc.SetupDuration, desc.CycleDuration)
	if err != nil {
		logger.Info("no feasible window", zap.Error(err))
		return &PlanResult{Refusal: p.refuse(cfp, err.Error(), CodeScheduleUnavailable, ""), Source: resolution.Source, Match: match}, nil
	}

	station := p.agent.Station()
	if station == "" {
		station = p.agent.AgentID()
	}
	offer := &capability.Offer{
		InstanceID:        instanceID,
		RequirementID:     cfp.RequirementID,
		Capability:        firstNonEmpty(desc.Name, cfp.Capability),
		ProviderID:        p.agent.AgentID(),
		StationID:         station,
		Cost:              desc.Cost,
		Window:            window,
		MatchingScore:     match.Score(),
		Transport:         nested,
		TransportAccepted: accepted,
	}
	logger.Info("offer composed",
		zap.String("instance_id", instanceID),
		zap.String("source", string(resolution.Source)),
		zap.Float64("score", offer.MatchingScore),
		zap.Bool("transport_accepted", accepted),
	)
	return &PlanResult{Offer: offer, Source: resolution.Source, Match: match}, nil
}

// bestMatch runs the matcher against every offered container and keeps the
// highest scoring success; ties keep the first. When none matches, the
// failure of the first container is returned.
func (p *OfferPlanner) bestMatch(ctx context.Context, cfp CallForProposal, caps []capability.CapabilityDescription) (*capability.CapabilityDescription, matching.Result, *matching.Failure) {
	var (
		best      *capability.CapabilityDescription
		bestRes   matching.Result
		firstFail *matching.Failure
	)
	for i := range caps {
		res := p.matcher.Match(ctx, cfp.Properties, caps[i].Properties)
		if !res.OK() {
			if firstFail == nil {
				firstFail = res.Failure
			}
			continue
		}
		if best == nil || res.Score() > bestRes.Score() {
			best = &caps[i]
			bestRes = res
		}
	}
	if best == nil && firstFail == nil {
		firstFail = &matching.Failure{
			Code:   matching.CodeNoCandidate,
			Reason: fmt.Sprintf("no offered container for %s", strings.TrimSpace(cfp.Capability)),
		}
	}
	return best, bestRes, firstFail
}
