package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/matching"
	"github.com/BaSui01/holonflow/agent/messaging"
)

type dispatcherFixture struct {
	bus         *messaging.MemoryBus
	topics      messaging.Topics
	registry    *discovery.CapabilityRegistry
	coordinator *Coordinator
	requester   *messaging.MemoryClient
	responses   *inbox
	recorder    *recorderSpy
}

func newDispatcher(t *testing.T, config CoordinatorConfig, opts ...CoordinatorOption) *dispatcherFixture {
	t.Helper()
	bus := messaging.NewMemoryBus(nil)
	topics := testTopics(t)
	registry := discovery.NewCapabilityRegistry(nil, nil, nil)
	recorder := &recorderSpy{}

	client := connect(t, bus, "dispatcher")
	opts = append([]CoordinatorOption{WithCoordinatorRecorder(recorder)}, opts...)
	coord := NewCoordinator(newAgent("dispatcher", ""), client, topics, registry, config, nil, opts...)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	requester := connect(t, bus, "erp")
	responses := subscribe(t, requester, topics.ProcessChainResponse())

	return &dispatcherFixture{
		bus:         bus,
		topics:      topics,
		registry:    registry,
		coordinator: coord,
		requester:   requester,
		responses:   responses,
		recorder:    recorder,
	}
}

func (f *dispatcherFixture) register(t *testing.T, id string, caps ...string) {
	t.Helper()
	require.NoError(t, f.registry.Upsert(context.Background(), discovery.ProviderRecord{ProviderID: id, Capabilities: caps}))
}

func (f *dispatcherFixture) request(t *testing.T, convID string, req ProcessChainRequest) *messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(messaging.CallForProposal, "erp", convID, req)
	require.NoError(t, err)
	env.WithType(messaging.TypeProcessChain, "")
	require.NoError(t, f.requester.Publish(context.Background(), f.topics.ProcessChain(), env))
	return env
}

// provider answers the CFPs addressed to id with fn. It returns the CFP inbox.
func (f *dispatcherFixture) provider(t *testing.T, id string, fn func(cfp CallForProposal, env *messaging.Envelope) (messaging.Performative, any)) *inbox {
	t.Helper()
	client := connect(t, f.bus, id)
	topic, err := f.topics.OfferRequest(id)
	require.NoError(t, err)
	var seen inbox
	_, err = client.Subscribe(context.Background(), topic, func(ctx context.Context, env *messaging.Envelope) {
		seen.handle(ctx, env)
		var cfp CallForProposal
		if env.Decode(&cfp) != nil {
			return
		}
		perf, payload := fn(cfp, env)
		if perf == "" {
			return
		}
		reply, err := env.Reply(perf, id, payload)
		if err != nil {
			return
		}
		_ = client.Publish(ctx, env.ReplyTo, reply)
	})
	require.NoError(t, err)
	return &seen
}

func offerWithCost(id string, cost float64) func(CallForProposal, *messaging.Envelope) (messaging.Performative, any) {
	return func(cfp CallForProposal, _ *messaging.Envelope) (messaging.Performative, any) {
		return messaging.Proposal, OfferPayload{
			RequirementID: cfp.RequirementID,
			Offer:         capability.Offer{InstanceID: id + "-" + cfp.RequirementID, Capability: cfp.Capability, Cost: cost},
		}
	}
}

func drillingChain() ProcessChainRequest {
	return ProcessChainRequest{Requirements: []capability.CapabilityRequirement{
		{Capability: "Drilling", RequirementID: "r1"},
	}}
}

func decodeProposal(t *testing.T, env *messaging.Envelope) ChainProposal {
	t.Helper()
	require.Equal(t, messaging.Proposal, env.Performative)
	var p ChainProposal
	require.NoError(t, env.Decode(&p))
	return p
}

func decodeRefusal(t *testing.T, env *messaging.Envelope) RefusalPayload {
	t.Helper()
	require.True(t, env.Performative.IsRefusal(), "got %s", env.Performative)
	var r RefusalPayload
	require.NoError(t, env.Decode(&r))
	return r
}

func TestCoordinator_ProposalSortedByCost(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	f.register(t, "mill-b", "Drilling")
	cfpsA := f.provider(t, "mill-a", offerWithCost("mill-a", 7))
	f.provider(t, "mill-b", offerWithCost("mill-b", 3))

	f.request(t, "conv-1", drillingChain())

	env := waitFor(t, f.responses, 1)[0]
	assert.Equal(t, messaging.TypeProcessChain, env.Type)
	assert.Equal(t, "erp", env.ReceiverID)
	assert.Equal(t, "conv-1", env.ConversationID)

	p := decodeProposal(t, env)
	require.Len(t, p.Steps, 1)
	step := p.Steps[0]
	assert.Equal(t, "r1", step.RequirementID)
	require.Len(t, step.Offers, 2)
	assert.Equal(t, "mill-b", step.Offers[0].ProviderID)
	assert.Equal(t, "mill-a", step.Offers[1].ProviderID)
	assert.Equal(t, []string{"mill-b", "mill-a"}, step.Providers)
	assert.Equal(t, "r1", step.Offers[0].RequirementID)

	cfp := cfpsA.first()
	require.NotNil(t, cfp)
	assert.Equal(t, messaging.TypeOffer, cfp.Type)
	assert.Equal(t, "mill-a", cfp.ReceiverID)
	wantReply, _ := f.topics.OfferResponse("dispatcher")
	assert.Equal(t, wantReply, cfp.ReplyTo)

	require.Eventually(t, func() bool {
		negotiations, cfps, responses, _ := f.recorder.snapshot()
		return len(negotiations) == 1 && len(cfps) == 2 && len(responses) == 2
	}, time.Second, 5*time.Millisecond)
	negotiations, _, _, _ := f.recorder.snapshot()
	assert.Equal(t, "dispatcher:proposal", negotiations[0])
	assert.Equal(t, 0, f.coordinator.Conversations().Len())
}

func TestCoordinator_InfeasibleChain(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	cfps := f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	f.request(t, "conv-1", ProcessChainRequest{Requirements: []capability.CapabilityRequirement{
		{Capability: "Drilling", RequirementID: "r1"},
		{Capability: "Painting", RequirementID: "r2"},
	}})

	r := decodeRefusal(t, waitFor(t, f.responses, 1)[0])
	assert.Equal(t, CodeNoProvider, r.Code)
	assert.Equal(t, ReasonNoProvider, r.Reason)
	assert.Contains(t, r.Diagnostics, "no provider for: r2 (Painting)")
	assert.Equal(t, 1, cfps.len(), "feasible requirements are still dispatched")

	require.Eventually(t, func() bool {
		negotiations, _, _, _ := f.recorder.snapshot()
		return len(negotiations) == 1 && negotiations[0] == "dispatcher:infeasible"
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_RefusalSentOnce(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())

	f.request(t, "conv-1", drillingChain())
	waitFor(t, f.responses, 1)
	f.request(t, "conv-1", drillingChain())

	assert.Never(t, func() bool { return f.responses.len() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestCoordinator_RedeliveredEnvelopeIgnored(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	cfps := f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	env := f.request(t, "conv-1", drillingChain())
	waitFor(t, f.responses, 1)
	require.NoError(t, f.requester.Publish(context.Background(), f.topics.ProcessChain(), env))

	assert.Never(t, func() bool { return cfps.len() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestCoordinator_ProviderRefusal(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	f.provider(t, "mill-a", func(cfp CallForProposal, _ *messaging.Envelope) (messaging.Performative, any) {
		return messaging.Refusal, RefusalPayload{RequirementID: cfp.RequirementID, Reason: "busy", Code: "schedule_unavailable"}
	})

	f.request(t, "conv-1", drillingChain())

	r := decodeRefusal(t, waitFor(t, f.responses, 1)[0])
	assert.Equal(t, CodeNoOffer, r.Code)
	assert.Equal(t, "r1: schedule_unavailable", r.Diagnostics)
}

func TestCoordinator_CollectTimeout(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.CFPTimeout = 100 * time.Millisecond
	f := newDispatcher(t, cfg)
	f.register(t, "mill-a", "Drilling")
	f.register(t, "mill-b", "Drilling")
	f.provider(t, "mill-a", func(CallForProposal, *messaging.Envelope) (messaging.Performative, any) { return "", nil })

	start := time.Now()
	f.request(t, "conv-1", drillingChain())

	r := decodeRefusal(t, waitFor(t, f.responses, 1)[0])
	assert.Equal(t, CodeNoOffer, r.Code)
	assert.Equal(t, "r1: no response", r.Diagnostics)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestCoordinator_PartialAnswersWithinWindow(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.CFPTimeout = 100 * time.Millisecond
	f := newDispatcher(t, cfg)
	f.register(t, "mill-a", "Drilling")
	f.register(t, "mill-b", "Drilling")
	f.provider(t, "mill-a", offerWithCost("mill-a", 4))

	f.request(t, "conv-1", drillingChain())

	p := decodeProposal(t, waitFor(t, f.responses, 1)[0])
	require.Len(t, p.Steps[0].Offers, 1)
	assert.Equal(t, "mill-a", p.Steps[0].Offers[0].ProviderID)
}

func TestCoordinator_SelfExcluded(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "Dispatcher", "Drilling")

	f.request(t, "conv-1", drillingChain())

	r := decodeRefusal(t, waitFor(t, f.responses, 1)[0])
	assert.Equal(t, CodeNoProvider, r.Code)
}

func TestCoordinator_FeasibilityOnly(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	f.register(t, "mill-b", "drilling")
	cfps := f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	req := drillingChain()
	req.FeasibilityOnly = true
	f.request(t, "conv-1", req)

	p := decodeProposal(t, waitFor(t, f.responses, 1)[0])
	require.Len(t, p.Steps, 1)
	assert.Equal(t, []string{"mill-a", "mill-b"}, p.Steps[0].Providers)
	assert.Empty(t, p.Steps[0].Offers)
	assert.Equal(t, 0, cfps.len())
}

func TestCoordinator_RequireOffersDisabled(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.RequireOffers = false
	f := newDispatcher(t, cfg)
	f.register(t, "mill-a", "Drilling")

	f.request(t, "conv-1", drillingChain())

	p := decodeProposal(t, waitFor(t, f.responses, 1)[0])
	assert.Equal(t, []string{"mill-a"}, p.Steps[0].Providers)
}

func TestCoordinator_ProductIDBecomesConversation(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	cfps := f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	req := drillingChain()
	req.ProductID = "P-42"
	f.request(t, "conv-1", req)

	env := waitFor(t, f.responses, 1)[0]
	assert.Equal(t, "P-42", env.ConversationID)
	assert.Equal(t, "P-42", decodeProposal(t, env).ConversationID)

	var cfp CallForProposal
	require.NoError(t, cfps.first().Decode(&cfp))
	assert.Equal(t, "P-42", cfp.ProductID)
	assert.Equal(t, "P-42", cfps.first().ConversationID)
}

func TestCoordinator_ReplyToHonored(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	custom := subscribe(t, f.requester, "/factory/erp/inbox")

	env, err := messaging.NewEnvelope(messaging.CallForProposal, "erp", "conv-1", drillingChain())
	require.NoError(t, err)
	env.ReplyTo = "/factory/erp/inbox"
	require.NoError(t, f.requester.Publish(context.Background(), f.topics.ProcessChain(), env))

	waitFor(t, custom, 1)
	assert.Equal(t, 0, f.responses.len())
}

func TestCoordinator_MalformedRequestIgnored(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())

	bad, _ := messaging.NewEnvelope(messaging.CallForProposal, "erp", "conv-1", "not a chain")
	empty, _ := messaging.NewEnvelope(messaging.CallForProposal, "erp", "conv-2", ProcessChainRequest{})
	require.NoError(t, f.requester.Publish(context.Background(), f.topics.ProcessChain(), bad))
	require.NoError(t, f.requester.Publish(context.Background(), f.topics.ProcessChain(), empty))

	assert.Never(t, func() bool { return f.responses.len() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

type oracleFunc func(ctx context.Context, caps []string) (bool, error)

func (f oracleFunc) CanSatisfy(ctx context.Context, caps []string) (bool, error) { return f(ctx, caps) }

func TestCoordinator_OracleRefusesEarly(t *testing.T) {
	var asked []string
	f := newDispatcher(t, DefaultCoordinatorConfig(), WithOracle(oracleFunc(func(_ context.Context, caps []string) (bool, error) {
		asked = caps
		return false, nil
	})))
	f.register(t, "mill-a", "Drilling")
	cfps := f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	f.request(t, "conv-1", drillingChain())

	r := decodeRefusal(t, waitFor(t, f.responses, 1)[0])
	assert.Equal(t, CodeNoCapableAgent, r.Code)
	assert.Equal(t, ReasonNoCapableAgent, r.Reason)
	assert.Equal(t, []string{"Drilling"}, asked)
	assert.Equal(t, 0, cfps.len())
}

func TestCoordinator_OracleErrorFallsBackToDispatch(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig(), WithOracle(oracleFunc(func(context.Context, []string) (bool, error) {
		return false, errors.New("oracle offline")
	})))
	f.register(t, "mill-a", "Drilling")
	f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	f.request(t, "conv-1", drillingChain())

	decodeProposal(t, waitFor(t, f.responses, 1)[0])
}

func TestCoordinator_SetOracleAtRuntime(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	f.register(t, "mill-a", "Drilling")
	cfps := f.provider(t, "mill-a", offerWithCost("mill-a", 1))

	f.coordinator.SetOracle(oracleFunc(func(context.Context, []string) (bool, error) { return false, nil }))
	f.request(t, "conv-1", drillingChain())
	assert.Equal(t, CodeNoCapableAgent, decodeRefusal(t, waitFor(t, f.responses, 1)[0]).Code)
	assert.Equal(t, 0, cfps.len())

	f.coordinator.SetOracle(nil)
	f.request(t, "conv-2", drillingChain())
	decodeProposal(t, waitFor(t, f.responses, 2)[1])
}

func TestCoordinator_SetCFPTimeout(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.CFPTimeout = time.Minute
	f := newDispatcher(t, cfg)
	f.register(t, "mill-a", "Drilling")
	f.provider(t, "mill-a", func(CallForProposal, *messaging.Envelope) (messaging.Performative, any) { return "", nil })

	f.coordinator.SetCFPTimeout(0)
	assert.Equal(t, time.Minute, f.coordinator.cfpTimeout())

	f.coordinator.SetCFPTimeout(80 * time.Millisecond)
	f.request(t, "conv-1", drillingChain())
	assert.Equal(t, CodeNoOffer, decodeRefusal(t, waitFor(t, f.responses, 1)[0]).Code)
}

func TestRegistryOracle(t *testing.T) {
	reg := discovery.NewCapabilityRegistry(nil, nil, nil)
	require.NoError(t, reg.Upsert(context.Background(), discovery.ProviderRecord{ProviderID: "a", Capabilities: []string{"Drilling"}}))
	oracle := RegistryOracle{Registry: reg}

	ok, err := oracle.CanSatisfy(context.Background(), []string{"drilling"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = oracle.CanSatisfy(context.Background(), []string{"Drilling", "Painting"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinator_NegotiateRejectsDuplicate(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	active := NewNegotiationContext("conv-1", "erp", "", drillingChain().Requirements)
	require.NoError(t, f.coordinator.Conversations().Begin(active))

	_, err := f.coordinator.Negotiate(context.Background(), NewNegotiationContext("conv-1", "erp", "", drillingChain().Requirements))
	require.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestCoordinator_EndToEndWithPlanners(t *testing.T) {
	f := newDispatcher(t, DefaultCoordinatorConfig())
	matcher := matching.NewPropertyMatcher(matching.DefaultConfig(), nil, nil, nil)
	diameter := capability.MustValue("Drill", "Diameter", "5")

	for _, h := range []struct {
		id   string
		cost float64
	}{{"mill-a", 7}, {"mill-b", 3}} {
		desc := &capability.Description{
			ProviderID: h.id,
			Station:    "S-" + h.id,
			Capabilities: []capability.CapabilityDescription{{
				Name:          "Drilling",
				Properties:    []capability.PropertyDescriptor{diameter},
				CycleDuration: time.Minute,
				Cost:          h.cost,
			}},
		}
		client := connect(t, f.bus, h.id)
		planner := NewOfferPlanner(newAgent(h.id, desc.Station), client, f.topics, staticResolver(desc), matcher, nil)
		require.NoError(t, planner.Start(context.Background()))
		t.Cleanup(func() { _ = planner.Stop(context.Background()) })
		f.register(t, h.id, "Drilling")
	}

	f.request(t, "conv-e2e", ProcessChainRequest{Requirements: []capability.CapabilityRequirement{
		{Capability: "Drilling", RequirementID: "r1", Properties: []capability.PropertyDescriptor{diameter}},
	}})

	p := decodeProposal(t, waitFor(t, f.responses, 1)[0])
	require.Len(t, p.Steps, 1)
	offers := p.Steps[0].Offers
	require.Len(t, offers, 2)
	assert.Equal(t, "mill-b", offers[0].ProviderID)
	assert.Equal(t, "S-mill-b", offers[0].StationID)
	assert.True(t, offers[0].TransportAccepted)
	assert.NotEmpty(t, offers[0].InstanceID)
	assert.Equal(t, time.Minute, offers[0].Window.End.Sub(offers[0].Window.Start))
}

func TestCoordinator_UnansweredTransportStillProposes(t *testing.T) {
	// 与默认配置相同的窗口比例 3:5，按比例缩短
	cfg := DefaultCoordinatorConfig()
	cfg.CFPTimeout = 500 * time.Millisecond
	f := newDispatcher(t, cfg)

	desc := &capability.Description{
		ProviderID: "mill-a",
		Station:    "S1",
		Capabilities: []capability.CapabilityDescription{{
			Name:          "Drilling",
			CycleDuration: time.Minute,
			Cost:          4,
		}},
	}
	client := connect(t, f.bus, "mill-a")
	agent := newAgent("mill-a", desc.Station)
	transport := NewTransportNegotiator(agent, client, f.topics, nil, TransportConfig{Timeout: 300 * time.Millisecond}, nil, nil)
	planner := NewOfferPlanner(agent, client, f.topics, staticResolver(desc),
		matching.NewPropertyMatcher(matching.DefaultConfig(), nil, nil, nil), nil, WithTransport(transport))
	require.NoError(t, planner.Start(context.Background()))
	t.Cleanup(func() { _ = planner.Stop(context.Background()) })
	f.register(t, "mill-a", "Drilling")

	// 没有人订阅 TransportPlan
	f.request(t, "conv-late-transport", ProcessChainRequest{Requirements: []capability.CapabilityRequirement{{
		Capability:    "Drilling",
		RequirementID: "r1",
		Transport:     []capability.TransportRequirement{preLeg("P1")},
	}}})

	p := decodeProposal(t, waitFor(t, f.responses, 1)[0])
	require.Len(t, p.Steps, 1)
	require.Len(t, p.Steps[0].Offers, 1)
	offer := p.Steps[0].Offers[0]
	assert.Equal(t, "mill-a", offer.ProviderID)
	assert.False(t, offer.TransportAccepted)
	assert.Empty(t, offer.Transport)
}

func TestCoordinator_ContextDeadlineShortensCollect(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.CFPTimeout = time.Minute
	f := newDispatcher(t, cfg)
	f.register(t, "mill-a", "Drilling")
	f.provider(t, "mill-a", func(CallForProposal, *messaging.Envelope) (messaging.Performative, any) { return "", nil })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	out, err := f.coordinator.Negotiate(ctx, NewNegotiationContext("conv-deadline", "erp", "", drillingChain().Requirements))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.True(t, out.IsRefusal())
	assert.Equal(t, CodeNoOffer, out.Refusal.Code)
}
