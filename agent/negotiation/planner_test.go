package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/graph"
	"github.com/BaSui01/holonflow/agent/matching"
	"github.com/BaSui01/holonflow/agent/messaging"
	"github.com/BaSui01/holonflow/internal/pool"
)

// transportStub 记录请求的运输段并返回预设结果.
type transportStub struct {
	mu     sync.Mutex
	legs   []capability.TransportRequirement
	result TransportResult
}

func (s *transportStub) Negotiate(_ context.Context, _ string, legs []capability.TransportRequirement) TransportResult {
	s.mu.Lock()
	s.legs = append(s.legs, legs...)
	s.mu.Unlock()
	return s.result
}

type failingScheduler struct{}

func (failingScheduler) Reserve(context.Context, string, time.Time, time.Duration, time.Duration) (capability.Window, error) {
	return capability.Window{}, fmt.Errorf("%w: 32 reservations", ErrQueueFull)
}

func (failingScheduler) Release(string) {}

func drillingDescription(cost float64) capability.CapabilityDescription {
	return capability.CapabilityDescription{
		Name:          "Drilling",
		SetupDuration: 30 * time.Second,
		CycleDuration: 2 * time.Minute,
		Cost:          cost,
	}
}

func drillingCFP() CallForProposal {
	return CallForProposal{RequirementID: "r1", Capability: "Drilling"}
}

func newTestPlanner(t *testing.T, source CapabilitySource, matcher Matcher, opts ...PlannerOption) *OfferPlanner {
	t.Helper()
	bus := messaging.NewMemoryBus(nil)
	client := connect(t, bus, "mill-1")
	return NewOfferPlanner(newAgent("mill-1", "S1"), client, testTopics(t), source, matcher, nil, opts...)
}

func TestOfferPlanner_Offer(t *testing.T) {
	matcher := &scriptedMatcher{results: []matching.Result{okMatch(0.9)}}
	p := newTestPlanner(t, localSource(drillingDescription(12)), matcher)

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.Nil(t, res.Refusal)
	require.NotNil(t, res.Offer)
	o := res.Offer
	assert.NotEmpty(t, o.InstanceID)
	assert.Equal(t, "r1", o.RequirementID)
	assert.Equal(t, "Drilling", o.Capability)
	assert.Equal(t, "mill-1", o.ProviderID)
	assert.Equal(t, "S1", o.StationID)
	assert.Equal(t, 12.0, o.Cost)
	assert.InDelta(t, 0.9, o.MatchingScore, 1e-9)
	assert.True(t, o.TransportAccepted)
	assert.Equal(t, 150*time.Second, o.Window.End.Sub(o.Window.Start))
	assert.Equal(t, graph.SourceLocal, res.Source)
}

func TestOfferPlanner_BestContainerWins(t *testing.T) {
	matcher := &scriptedMatcher{results: []matching.Result{
		{Failure: &matching.Failure{Code: matching.CodeNotInRange, Reason: "out of range"}},
		okMatch(0.85),
		okMatch(0.97),
		okMatch(0.97),
	}}
	p := newTestPlanner(t, localSource(drillingDescription(1), drillingDescription(2), drillingDescription(3), drillingDescription(4)), matcher)

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.NotNil(t, res.Offer)
	assert.Equal(t, 3.0, res.Offer.Cost, "highest score wins, ties keep the first")
}

func TestOfferPlanner_MatchFailureRefuses(t *testing.T) {
	failure := &matching.Failure{
		Code:       matching.CodeNotInRange,
		Reason:     "Diameter 12 not in [1, 10]",
		Candidates: []matching.Candidate{{Offered: capability.MustValue("Drill", "Diameter", "5"), Similarity: 0.9}},
	}
	matcher := &scriptedMatcher{results: []matching.Result{{Failure: failure}}}
	p := newTestPlanner(t, localSource(drillingDescription(1), drillingDescription(2)), matcher)

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.Nil(t, res.Offer)
	require.NotNil(t, res.Refusal)
	assert.Equal(t, "r1", res.Refusal.RequirementID)
	assert.Equal(t, string(matching.CodeNotInRange), res.Refusal.Code)
	assert.Equal(t, failure.Reason, res.Refusal.Reason)
	assert.Contains(t, res.Refusal.Diagnostics, "candidates:")
}

func TestOfferPlanner_NoContainerRefuses(t *testing.T) {
	p := newTestPlanner(t, localSource(), &scriptedMatcher{results: []matching.Result{okMatch(1)}})

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.NotNil(t, res.Refusal)
	assert.Equal(t, string(matching.CodeNoCandidate), res.Refusal.Code)
}

func TestOfferPlanner_SourceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"store unavailable", fmt.Errorf("%w: dial tcp", graph.ErrStoreUnavailable), CodeStoreUnavailable},
		{"not described", fmt.Errorf("%w: Drilling", graph.ErrNotDescribed), CodeNotDescribed},
		{"unexpected", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlanner(t, stubSource{err: tt.err}, &scriptedMatcher{results: []matching.Result{okMatch(1)}})
			res := p.Plan(context.Background(), "conv-1", drillingCFP())
			require.NotNil(t, res.Refusal)
			assert.Equal(t, tt.code, res.Refusal.Code)
		})
	}
}

func TestOfferPlanner_PanicBecomesInternalError(t *testing.T) {
	p := newTestPlanner(t, localSource(drillingDescription(1)), &scriptedMatcher{panics: true})

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.NotNil(t, res.Refusal)
	assert.Equal(t, CodeInternal, res.Refusal.Code)
	assert.Equal(t, ReasonInternal, res.Refusal.Reason)
	assert.Equal(t, "r1", res.Refusal.RequirementID)
}

func TestOfferPlanner_ScheduleUnavailable(t *testing.T) {
	p := newTestPlanner(t, localSource(drillingDescription(1)), &scriptedMatcher{results: []matching.Result{okMatch(1)}},
		WithScheduler(failingScheduler{}))

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.NotNil(t, res.Refusal)
	assert.Equal(t, CodeScheduleUnavailable, res.Refusal.Code)
}

func TestOfferPlanner_WildcardStorageResolvedFromInventory(t *testing.T) {
	desc := drillingDescription(5)
	desc.Constraints = &capability.ConstraintSet{Storage: []capability.StorageConstraint{{
		Condition:     capability.ConditionPre,
		TargetStation: "S1",
		SourceStation: "Warehouse",
		ProductID:     capability.Wildcard,
	}}}
	preEnd := time.Now().Add(10 * time.Minute)
	transport := &transportStub{result: TransportResult{
		Accepted: true,
		Offers: []capability.Offer{{
			InstanceID: "agv-1",
			ProviderID: "agv",
			Cost:       2,
			Placement:  capability.PlacementBefore.Tag(),
			Window:     capability.Window{Start: time.Now(), End: preEnd},
		}},
	}}
	p := newTestPlanner(t, localSource(desc), &scriptedMatcher{results: []matching.Result{okMatch(1)}}, WithTransport(transport))
	p.agent.SetInventory(InventorySnapshot{Slots: []InventorySlot{{ProductID: "P-7"}}})

	res := p.Plan(context.Background(), "conv-1", drillingCFP())

	require.NotNil(t, res.Offer)
	require.Len(t, transport.legs, 1)
	leg := transport.legs[0]
	assert.Equal(t, "P-7", leg.ProductID)
	assert.Equal(t, "S1", leg.TargetStation)
	assert.Equal(t, "Warehouse", leg.SourceStation)
	assert.Equal(t, capability.PlacementBefore, leg.Placement)
	assert.Equal(t, "r1-transport-1", leg.RequirementID)

	o := res.Offer
	assert.True(t, o.TransportAccepted)
	require.Len(t, o.Transport, 1)
	assert.Equal(t, 7.0, o.TotalCost())
	assert.False(t, o.Window.Start.Before(preEnd), "capability starts after the pre transport ends")

	assert.Equal(t, capability.Wildcard, desc.Constraints.Storage[0].ProductID, "description is not mutated")
}

func TestOfferPlanner_WildcardFallsBackToCFPProduct(t *testing.T) {
	transport := &transportStub{result: TransportResult{Accepted: true}}
	p := newTestPlanner(t, localSource(drillingDescription(5)), &scriptedMatcher{results: []matching.Result{okMatch(1)}}, WithTransport(transport))

	cfp := drillingCFP()
	cfp.ProductID = "P-cfp"
	cfp.Constraints = &capability.ConstraintSet{Storage: []capability.StorageConstraint{{
		Condition:     capability.ConditionPost,
		TargetStation: "Out",
	}}}

	res := p.Plan(context.Background(), "conv-1", cfp)

	require.NotNil(t, res.Offer)
	require.Len(t, transport.legs, 1)
	assert.Equal(t, "P-cfp", transport.legs[0].ProductID)
	assert.Equal(t, capability.PlacementAfter, transport.legs[0].Placement)
}

func TestOfferPlanner_ExplicitLegsTakePrecedence(t *testing.T) {
	transport := &transportStub{result: TransportResult{Accepted: true}}
	p := newTestPlanner(t, localSource(drillingDescription(5)), &scriptedMatcher{results: []matching.Result{okMatch(1)}}, WithTransport(transport))

	cfp := drillingCFP()
	cfp.Transport = []capability.TransportRequirement{
		{ProductID: "P1", TargetStation: "S1", Placement: capability.PlacementBefore},
		{RequirementID: "out", ProductID: "P1", TargetStation: "S9", Placement: capability.PlacementAfter},
	}
	cfp.Constraints = &capability.ConstraintSet{Storage: []capability.StorageConstraint{{TargetStation: "ignored"}}}

	res := p.Plan(context.Background(), "conv-1", cfp)

	require.NotNil(t, res.Offer)
	require.Len(t, transport.legs, 2)
	assert.Equal(t, "r1-transport-1", transport.legs[0].RequirementID)
	assert.Equal(t, "out", transport.legs[1].RequirementID)
}

func TestOfferPlanner_TransportNotAccepted(t *testing.T) {
	storage := &capability.ConstraintSet{Storage: []capability.StorageConstraint{{TargetStation: "S1", ProductID: "P1"}}}

	t.Run("no negotiator", func(t *testing.T) {
		p := newTestPlanner(t, localSource(drillingDescription(5)), &scriptedMatcher{results: []matching.Result{okMatch(1)}})
		cfp := drillingCFP()
		cfp.Constraints = storage
		res := p.Plan(context.Background(), "conv-1", cfp)
		require.NotNil(t, res.Offer)
		assert.False(t, res.Offer.TransportAccepted)
	})

	t.Run("leg refused", func(t *testing.T) {
		transport := &transportStub{result: TransportResult{Accepted: false}}
		p := newTestPlanner(t, localSource(drillingDescription(5)), &scriptedMatcher{results: []matching.Result{okMatch(1)}}, WithTransport(transport))
		cfp := drillingCFP()
		cfp.Constraints = storage
		res := p.Plan(context.Background(), "conv-1", cfp)
		require.NotNil(t, res.Offer, "offer is still sent")
		assert.False(t, res.Offer.TransportAccepted)
	})
}

func TestOfferPlanner_HandleRepliesOnBus(t *testing.T) {
	ctx := context.Background()
	bus := messaging.NewMemoryBus(nil)
	topics := testTopics(t)
	holon := connect(t, bus, "mill-1")
	dispatcher := connect(t, bus, "dispatcher")
	recorder := &recorderSpy{}

	p := NewOfferPlanner(newAgent("mill-1", "S1"), holon, topics,
		localSource(drillingDescription(3)),
		&scriptedMatcher{results: []matching.Result{okMatch(1)}},
		nil, WithPlannerRecorder(recorder))
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	replyTopic, _ := topics.OfferResponse("dispatcher")
	replies := subscribe(t, dispatcher, replyTopic)

	cfpTopic, _ := topics.OfferRequest("mill-1")
	env, err := messaging.NewEnvelope(messaging.CallForProposal, "dispatcher", "conv-1", drillingCFP())
	require.NoError(t, err)
	env.WithType(messaging.TypeOffer, "")
	require.NoError(t, dispatcher.Publish(ctx, cfpTopic, env))

	got := waitFor(t, replies, 1)[0]
	assert.Equal(t, messaging.Proposal, got.Performative)
	assert.Equal(t, messaging.TypeOffer, got.Type)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "dispatcher", got.ReceiverID)

	var payload OfferPayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "r1", payload.RequirementID)
	assert.Equal(t, 3.0, payload.Offer.Cost)

	require.Eventually(t, func() bool {
		negotiations, _, _, _ := recorder.snapshot()
		return len(negotiations) == 1 && negotiations[0] == "holon:offer"
	}, time.Second, 5*time.Millisecond)
}

func TestOfferPlanner_HandleRefusalAndIgnoresOthers(t *testing.T) {
	ctx := context.Background()
	bus := messaging.NewMemoryBus(nil)
	topics := testTopics(t)
	holon := connect(t, bus, "mill-1")
	dispatcher := connect(t, bus, "dispatcher")

	p := NewOfferPlanner(newAgent("mill-1", "S1"), holon, topics,
		stubSource{err: graph.ErrNotDescribed},
		&scriptedMatcher{results: []matching.Result{okMatch(1)}}, nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	replies := subscribe(t, dispatcher, "/factory/custom")
	cfpTopic, _ := topics.OfferRequest("mill-1")

	inform, _ := messaging.NewEnvelope(messaging.Inform, "dispatcher", "conv-0", drillingCFP())
	inform.ReplyTo = "/factory/custom"
	require.NoError(t, dispatcher.Publish(ctx, cfpTopic, inform))

	cfp, _ := messaging.NewEnvelope(messaging.CallForProposal, "dispatcher", "conv-1", drillingCFP())
	cfp.ReplyTo = "/factory/custom"
	require.NoError(t, dispatcher.Publish(ctx, cfpTopic, cfp))

	got := waitFor(t, replies, 1)[0]
	assert.Equal(t, messaging.Refusal, got.Performative)
	assert.Equal(t, "conv-1", got.ConversationID)
	var r RefusalPayload
	require.NoError(t, got.Decode(&r))
	assert.Equal(t, CodeNotDescribed, r.Code)

	assert.Never(t, func() bool { return replies.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestOfferPlanner_WorkerPool(t *testing.T) {
	ctx := context.Background()
	bus := messaging.NewMemoryBus(nil)
	topics := testTopics(t)
	holon := connect(t, bus, "mill-1")
	dispatcher := connect(t, bus, "dispatcher")

	wp := pool.NewWorkerPool(pool.Config{MaxWorkers: 2, QueueSize: 4}, nil)
	defer wp.Close()

	p := NewOfferPlanner(newAgent("mill-1", "S1"), holon, topics,
		localSource(drillingDescription(3)),
		&scriptedMatcher{results: []matching.Result{okMatch(1)}},
		nil, WithWorkerPool(wp))
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	replyTopic, _ := topics.OfferResponse("dispatcher")
	replies := subscribe(t, dispatcher, replyTopic)
	cfpTopic, _ := topics.OfferRequest("mill-1")

	for i := 0; i < 3; i++ {
		cfp := drillingCFP()
		cfp.RequirementID = fmt.Sprintf("r%d", i)
		env, err := messaging.NewEnvelope(messaging.CallForProposal, "dispatcher", fmt.Sprintf("conv-%d", i), cfp)
		require.NoError(t, err)
		env.WithType(messaging.TypeOffer, "")
		require.NoError(t, dispatcher.Publish(ctx, cfpTopic, env))
	}

	got := waitFor(t, replies, 3)
	for _, env := range got {
		assert.Equal(t, messaging.Proposal, env.Performative)
	}
	assert.Eventually(t, func() bool {
		return wp.Stats().Completed == 3
	}, time.Second, 5*time.Millisecond)
}
