package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/messaging"
)

// CapabilityOracle answers whether any registered agent could satisfy a
// set of capabilities before CFPs are sent.
type CapabilityOracle interface {
	CanSatisfy(ctx context.Context, capabilities []string) (bool, error)
}

// RegistryOracle is a CapabilityOracle backed by the capability registry.
type RegistryOracle struct {
	Registry discovery.Registry
}

// CanSatisfy implements CapabilityOracle.
func (o RegistryOracle) CanSatisfy(ctx context.Context, capabilities []string) (bool, error) {
	for _, c := range capabilities {
		if len(o.Registry.FindProviders(ctx, c)) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// CoordinatorConfig tunes the dispatcher side of a negotiation.
type CoordinatorConfig struct {
	// CFPTimeout bounds the collect window. A deadline on the context passed
	// to Negotiate shortens it.
	CFPTimeout time.Duration `json:"cfp_timeout" yaml:"cfp_timeout"`

	// RequireOffers collects offers; when false every request is answered
	// with the capable provider ids only.
	RequireOffers bool `json:"require_offers" yaml:"require_offers"`

	// RefusalTTL is how long a refused conversation id is remembered.
	RefusalTTL time.Duration `json:"refusal_ttl" yaml:"refusal_ttl"`
}

// DefaultCoordinatorConfig returns the default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CFPTimeout:    5 * time.Second,
		RequireOffers: true,
		RefusalTTL:    10 * time.Minute,
	}
}

// Outcome is the resolved result of a negotiation.
type Outcome struct {
	Performative messaging.Performative
	Proposal     *ChainProposal
	Refusal      *RefusalPayload
}

// IsRefusal reports whether the negotiation was refused.
func (o *Outcome) IsRefusal() bool { return o.Performative.IsRefusal() }

func refusal(reason, code, diagnostics string) *Outcome {
	return &Outcome{
		Performative: messaging.Refusal,
		Refusal:      &RefusalPayload{Reason: reason, Code: code, Diagnostics: diagnostics},
	}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithOracle installs a capability oracle consulted before dispatch.
func WithOracle(o CapabilityOracle) CoordinatorOption {
	return func(c *Coordinator) { c.oracle = o }
}

// WithCoordinatorRecorder installs a metrics recorder.
func WithCoordinatorRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = recorderOrNop(r) }
}

// Coordinator runs the dispatcher side of the contract net: it splits a
// process chain into requirements, sends CFPs to the capable providers and
// resolves the chain into a Proposal or a Refusal.
type Coordinator struct {
	agent    *AgentContext
	client   messaging.Client
	topics   messaging.Topics
	registry discovery.Registry
	oracle   CapabilityOracle
	config   CoordinatorConfig
	table    *ConversationTable
	refusals *refusalLedger
	recorder Recorder
	logger   *zap.Logger

	tuningMu sync.RWMutex

	mu      sync.Mutex
	subs    []messaging.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(agent *AgentContext, client messaging.Client, topics messaging.Topics, registry discovery.Registry, config CoordinatorConfig, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if config.CFPTimeout <= 0 {
		config.CFPTimeout = DefaultCoordinatorConfig().CFPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		agent:    agent,
		client:   client,
		topics:   topics,
		registry: registry,
		config:   config,
		table:    NewConversationTable(),
		refusals: newRefusalLedger(config.RefusalTTL),
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "negotiation_coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCFPTimeout changes the collect window of negotiations started afterwards.
func (c *Coordinator) SetCFPTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.tuningMu.Lock()
	c.config.CFPTimeout = d
	c.tuningMu.Unlock()
}

// SetOracle replaces the capability oracle; nil disables the pre-dispatch check.
func (c *Coordinator) SetOracle(o CapabilityOracle) {
	c.tuningMu.Lock()
	c.oracle = o
	c.tuningMu.Unlock()
}

func (c *Coordinator) cfpTimeout() time.Duration {
	c.tuningMu.RLock()
	defer c.tuningMu.RUnlock()
	return c.config.CFPTimeout
}

func (c *Coordinator) currentOracle() CapabilityOracle {
	c.tuningMu.RLock()
	defer c.tuningMu.RUnlock()
	return c.oracle
}

// Conversations returns the active conversation table.
func (c *Coordinator) Conversations() *ConversationTable { return c.table }

// Start subscribes to process chain requests and offer responses.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	responseTopic, err := c.topics.OfferResponse(c.agent.AgentID())
	if err != nil {
		return fmt.Errorf("resolve offer response topic: %w", err)
	}
	reqSub, err := c.client.Subscribe(ctx, c.topics.ProcessChain(), func(_ context.Context, env *messaging.Envelope) {
		if !c.agent.PutInbound(env) {
			c.logger.Debug("dropping redelivered request", zap.String("envelope_id", env.ID))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe process chain: %w", err)
	}
	respSub, err := c.client.Subscribe(ctx, responseTopic, func(_ context.Context, env *messaging.Envelope) {
		if _, ok := c.table.Get(env.ConversationID); !ok {
			c.logger.Debug("response for inactive conversation",
				zap.String("conversation_id", env.ConversationID),
				zap.String("provider_id", env.SenderID),
			)
		}
	})
	if err != nil {
		_ = reqSub.Unsubscribe()
		return fmt.Errorf("subscribe offer responses: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.subs = []messaging.Subscription{reqSub, respSub}
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Info("coordinator started",
		zap.String("agent_id", c.agent.AgentID()),
		zap.String("topic", c.topics.ProcessChain()),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight negotiations.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	subs := c.subs
	c.subs = nil
	c.cancel()
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	c.logger.Info("coordinator stopped")
	return errors.Join(errs...)
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.agent.InboundReady():
		}
		for {
			env, ok := c.agent.TakeInbound()
			if !ok {
				break
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.process(ctx, env)
			}()
		}
	}
}

// process handles one process chain request end to end.
func (c *Coordinator) process(ctx context.Context, env *messaging.Envelope) {
	var req ProcessChainRequest
	if err := env.Decode(&req); err != nil {
		c.logger.Warn("ignoring malformed process chain request",
			zap.String("conversation_id", env.ConversationID),
			zap.Error(err),
		)
		return
	}
	if len(req.Requirements) == 0 {
		c.logger.Warn("ignoring process chain without requirements",
			zap.String("conversation_id", env.ConversationID),
		)
		return
	}

	nc := NewNegotiationContext(env.ConversationID, env.SenderID, req.ProductID, normalizeRequirements(req.Requirements))
	nc.FeasibilityOnly = req.FeasibilityOnly || !c.config.RequireOffers
	nc.ReplyTo = env.ReplyTo
	if nc.ReplyTo == "" {
		nc.ReplyTo = c.topics.ProcessChainResponse()
	}

	out, err := c.Negotiate(ctx, nc)
	if err != nil {
		if errors.Is(err, ErrDuplicateConversation) {
			c.logger.Warn("rejecting duplicate conversation", zap.String("conversation_id", nc.ConversationID))
			return
		}
		c.logger.Error("negotiation failed", zap.String("conversation_id", nc.ConversationID), zap.Error(err))
		return
	}
	if err := c.respond(ctx, nc, out); err != nil {
		c.logger.Warn("failed to send negotiation result",
			zap.String("conversation_id", nc.ConversationID),
			zap.String("topic", nc.ReplyTo),
			zap.Error(err),
		)
	}
}

// normalizeRequirements fills missing requirement ids.
func normalizeRequirements(reqs []capability.CapabilityRequirement) []capability.CapabilityRequirement {
	out := make([]capability.CapabilityRequirement, len(reqs))
	seen := make(map[string]bool, len(reqs))
	for i, r := range reqs {
		if strings.TrimSpace(r.RequirementID) == "" || seen[r.RequirementID] {
			r.RequirementID = fmt.Sprintf("%d-%s", i+1, r.Capability)
		}
		seen[r.RequirementID] = true
		out[i] = r
	}
	return out
}

// Negotiate runs Parsing -> Dispatching -> Collecting -> Resolved for nc.
// Collection stops at CFPTimeout or at the deadline of ctx, whichever is earlier.
// It fails only with ErrDuplicateConversation or on a broken transition;
// soft failures resolve to a Refusal outcome.
func (c *Coordinator) Negotiate(ctx context.Context, nc *NegotiationContext) (*Outcome, error) {
	if err := c.table.Begin(nc); err != nil {
		return nil, err
	}
	defer c.table.End(nc.ConversationID)

	ctx, span := tracer().Start(ctx, "negotiation.coordinate",
		trace.WithAttributes(
			attribute.String("conversation.id", nc.ConversationID),
			attribute.Int("requirements", len(nc.Requirements)),
			attribute.Bool("feasibility_only", nc.FeasibilityOnly),
		))
	defer span.End()

	logger := c.logger.With(zap.String("conversation_id", nc.ConversationID))
	if nc.OriginalID != nc.ConversationID {
		logger.Debug("conversation id rewritten to product id", zap.String("original_id", nc.OriginalID))
	}

	out, err := c.negotiate(ctx, nc, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recorder.RecordNegotiation(roleDispatcher, outcomeError, time.Since(nc.StartedAt))
		return nil, err
	}

	outcome := outcomeProposal
	if out.IsRefusal() {
		outcome = outcomeRefusal
		if nc.Infeasible() {
			outcome = outcomeInfeasible
		}
		span.SetAttributes(attribute.String("refusal.code", out.Refusal.Code))
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	c.recorder.RecordNegotiation(roleDispatcher, outcome, time.Since(nc.StartedAt))
	logger.Info("negotiation resolved",
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(nc.StartedAt)),
	)
	return out, nil
}

func (c *Coordinator) negotiate(ctx context.Context, nc *NegotiationContext, logger *zap.Logger) (*Outcome, error) {
	if oracle := c.currentOracle(); oracle != nil {
		names := make([]string, 0, len(nc.Requirements))
		for _, r := range nc.Requirements {
			names = append(names, r.Capability)
		}
		ok, err := oracle.CanSatisfy(ctx, names)
		switch {
		case err != nil:
			logger.Warn("capability oracle unavailable, dispatching anyway", zap.Error(err))
		case !ok:
			if err := nc.Transition(StateResolved); err != nil {
				return nil, err
			}
			return refusal(ReasonNoCapableAgent, CodeNoCapableAgent, ""), nil
		}
	}

	if err := nc.Transition(StateDispatching); err != nil {
		return nil, err
	}
	self := strings.ToLower(c.agent.AgentID())
	for _, r := range nc.Requirements {
		var providers []string
		for _, p := range c.registry.FindProviders(ctx, r.Capability) {
			if strings.ToLower(p) != self {
				providers = append(providers, p)
			}
		}
		nc.SetProviders(r.RequirementID, providers)
		if len(providers) == 0 {
			logger.Warn("no provider for requirement",
				zap.String("requirement_id", r.RequirementID),
				zap.String("capability", r.Capability),
			)
		}
	}

	if nc.FeasibilityOnly {
		if err := nc.Transition(StateResolved); err != nil {
			return nil, err
		}
		return c.resolve(nc), nil
	}

	awaiter, err := NewAwaiter(c.client, nc.ConversationID, isOfferResponse)
	if err != nil {
		return nil, fmt.Errorf("register conversation: %w", err)
	}
	defer awaiter.Close()

	c.dispatch(ctx, nc, logger)

	if err := nc.Transition(StateCollecting); err != nil {
		return nil, err
	}
	nc.Deadline = time.Now().Add(c.cfpTimeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(nc.Deadline) {
		nc.Deadline = dl
	}
	for !nc.Complete() {
		env, err := awaiter.Next(ctx, nc.Deadline)
		if err != nil {
			if !errors.Is(err, ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("collect interrupted", zap.Error(err))
			} else {
				logger.Debug("collect window elapsed", zap.Strings("unanswered", nc.Unanswered()))
			}
			break
		}
		c.absorb(nc, env, logger)
	}

	if err := nc.Transition(StateResolved); err != nil {
		return nil, err
	}
	return c.resolve(nc), nil
}

func isOfferResponse(env *messaging.Envelope) bool {
	if env.Type != messaging.TypeOffer {
		return false
	}
	return env.Performative == messaging.Proposal || env.Performative.IsRefusal()
}

// dispatch sends one CFP per requirement to every candidate provider.
func (c *Coordinator) dispatch(ctx context.Context, nc *NegotiationContext, logger *zap.Logger) {
	replyTo, err := c.topics.OfferResponse(c.agent.AgentID())
	if err != nil {
		logger.Error("cannot resolve reply topic", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range nc.Requirements {
		r := r
		cfp := CFPFromRequirement(r, nc.ProductID)
		for _, p := range nc.Providers(r.RequirementID) {
			p := p
			g.Go(func() error {
				if err := c.sendCFP(gctx, nc.ConversationID, replyTo, p, cfp); err != nil {
					logger.Warn("cfp not delivered",
						zap.String("provider_id", p),
						zap.String("requirement_id", r.RequirementID),
						zap.Error(err),
					)
					nc.AddRefusal(r.RequirementID, p, RefusalPayload{
						RequirementID: r.RequirementID,
						Reason:        err.Error(),
						Code:          CodeInternal,
					})
					return nil
				}
				c.recorder.RecordCFPSent(r.Capability)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (c *Coordinator) sendCFP(ctx context.Context, conversationID, replyTo, providerID string, cfp CallForProposal) error {
	topic, err := c.topics.OfferRequest(providerID)
	if err != nil {
		return err
	}
	env, err := messaging.NewEnvelope(messaging.CallForProposal, c.agent.AgentID(), conversationID, cfp)
	if err != nil {
		return err
	}
	env.WithType(messaging.TypeOffer, "")
	env.ReceiverID = providerID
	env.ReplyTo = replyTo
	return c.client.Publish(ctx, topic, env)
}

// absorb records one provider response.
func (c *Coordinator) absorb(nc *NegotiationContext, env *messaging.Envelope, logger *zap.Logger) {
	c.recorder.RecordResponse(string(env.Performative))

	if env.Performative == messaging.Proposal {
		var p OfferPayload
		if err := env.Decode(&p); err != nil {
			logger.Warn("ignoring malformed offer", zap.String("provider_id", env.SenderID), zap.Error(err))
			return
		}
		if p.Offer.ProviderID == "" {
			p.Offer.ProviderID = env.SenderID
		}
		if p.Offer.RequirementID == "" {
			p.Offer.RequirementID = p.RequirementID
		}
		if !nc.AddOffer(p.RequirementID, env.SenderID, p.Offer) {
			logger.Warn("offer for unknown requirement",
				zap.String("provider_id", env.SenderID),
				zap.String("requirement_id", p.RequirementID),
			)
		}
		return
	}

	var r RefusalPayload
	if err := env.Decode(&r); err != nil {
		logger.Warn("ignoring malformed refusal", zap.String("provider_id", env.SenderID), zap.Error(err))
		return
	}
	if !nc.AddRefusal(r.RequirementID, env.SenderID, r) {
		logger.Warn("refusal for unknown requirement",
			zap.String("provider_id", env.SenderID),
			zap.String("requirement_id", r.RequirementID),
		)
		return
	}
	logger.Debug("provider refused",
		zap.String("provider_id", env.SenderID),
		zap.String("requirement_id", r.RequirementID),
		zap.String("code", r.Code),
		zap.String("reason", r.Reason),
	)
}

// resolve turns the collected state into the chain outcome.
func (c *Coordinator) resolve(nc *NegotiationContext) *Outcome {
	if nc.Infeasible() {
		var missing []string
		for _, r := range nc.Requirements {
			if len(nc.Providers(r.RequirementID)) == 0 {
				missing = append(missing, fmt.Sprintf("%s (%s)", r.RequirementID, r.Capability))
			}
		}
		return refusal(ReasonNoProvider, CodeNoProvider, "no provider for: "+strings.Join(missing, ", "))
	}

	proposal := &ChainProposal{ConversationID: nc.ConversationID}
	if nc.FeasibilityOnly {
		for _, r := range nc.Requirements {
			proposal.Steps = append(proposal.Steps, ChainStep{
				RequirementID: r.RequirementID,
				Capability:    r.Capability,
				Providers:     nc.Providers(r.RequirementID),
			})
		}
		return &Outcome{Performative: messaging.Proposal, Proposal: proposal}
	}

	if unanswered := nc.Unanswered(); len(unanswered) > 0 {
		parts := make([]string, 0, len(unanswered))
		for _, id := range unanswered {
			refs := nc.Refusals(id)
			if len(refs) == 0 {
				parts = append(parts, id+": no response")
				continue
			}
			reasons := make([]string, 0, len(refs))
			for _, r := range refs {
				reasons = append(reasons, firstNonEmpty(r.Code, r.Reason))
			}
			parts = append(parts, id+": "+strings.Join(reasons, ", "))
		}
		return refusal(ReasonNoOffer, CodeNoOffer, strings.Join(parts, "; "))
	}

	for _, r := range nc.Requirements {
		offers := nc.Offers(r.RequirementID)
		sort.SliceStable(offers, func(i, j int) bool {
			return offers[i].TotalCost() < offers[j].TotalCost()
		})
		providers := make([]string, 0, len(offers))
		for _, o := range offers {
			providers = append(providers, o.ProviderID)
		}
		proposal.Steps = append(proposal.Steps, ChainStep{
			RequirementID: r.RequirementID,
			Capability:    r.Capability,
			Offers:        offers,
			Providers:     providers,
		})
	}
	return &Outcome{Performative: messaging.Proposal, Proposal: proposal}
}

// respond publishes the outcome. A refusal is sent at most once per
// conversation id.
func (c *Coordinator) respond(ctx context.Context, nc *NegotiationContext, out *Outcome) error {
	var payload any = out.Proposal
	if out.IsRefusal() {
		if !c.refusals.claim(nc.ConversationID, time.Now()) {
			c.logger.Debug("suppressing repeated refusal", zap.String("conversation_id", nc.ConversationID))
			return nil
		}
		payload = out.Refusal
	}
	env, err := messaging.NewEnvelope(out.Performative, c.agent.AgentID(), nc.ConversationID, payload)
	if err != nil {
		return err
	}
	env.WithType(messaging.TypeProcessChain, "")
	env.ReceiverID = nc.RequesterID
	return c.client.Publish(ctx, nc.ReplyTo, env)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
