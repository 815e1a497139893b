package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/messaging"
	"github.com/BaSui01/holonflow/agent/negotiation"
	"github.com/BaSui01/holonflow/config"
)

const millDescription = `
provider_id: mill-a
station: Cell1
capabilities:
  - name: Drilling
    cycle_duration: 1m
    cost: 4
    properties:
      - element_key: Diameter
        kind: Value
        value: "5"
`

func testConfig(t *testing.T, id, role string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.ID = id
	cfg.Agent.Role = role
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Negotiation.CFPTimeout = 2 * time.Second
	cfg.Negotiation.TransportTimeout = time.Second
	cfg.Negotiation.TransportCollectTimeout = 500 * time.Millisecond
	return cfg
}

func startRuntime(t *testing.T, cfg *config.Config, bus *messaging.MemoryBus, build func(*agentRuntime) error) *agentRuntime {
	t.Helper()
	rt, err := newAgentRuntime(cfg, "", zap.NewNop(), zap.NewAtomicLevel(), bus)
	require.NoError(t, err)
	require.NoError(t, build(rt))
	require.NoError(t, rt.start(context.Background()))
	t.Cleanup(func() { _ = rt.shutdown() })
	return rt
}

type envelopes struct {
	mu   sync.Mutex
	list []*messaging.Envelope
}

func (e *envelopes) handle(_ context.Context, env *messaging.Envelope) {
	e.mu.Lock()
	e.list = append(e.list, env)
	e.mu.Unlock()
}

func (e *envelopes) first() *messaging.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.list) == 0 {
		return nil
	}
	return e.list[0]
}

func TestRuntime_DispatcherAndHolonNegotiate(t *testing.T) {
	bus := messaging.NewMemoryBus(nil)

	var parts *dispatcherParts
	dispatcher := startRuntime(t, testConfig(t, "dispatcher", config.RoleDispatcher), bus, func(rt *agentRuntime) error {
		var err error
		parts, err = wireDispatcher(rt)
		return err
	})

	descPath := filepath.Join(t.TempDir(), "mill-a.yaml")
	require.NoError(t, os.WriteFile(descPath, []byte(millDescription), 0o644))
	holonCfg := testConfig(t, "mill-a", config.RoleHolon)
	holonCfg.Agent.Station = "Cell1"
	holonCfg.Agent.DescriptionPath = descPath
	startRuntime(t, holonCfg, bus, buildHolon)

	require.Eventually(t, func() bool {
		return len(parts.registry.FindProviders(context.Background(), "Drilling")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	erp := bus.Client("erp")
	require.NoError(t, erp.Connect(context.Background()))
	t.Cleanup(func() { _ = erp.Disconnect(context.Background()) })
	var responses envelopes
	_, err := erp.Subscribe(context.Background(), dispatcher.topics.ProcessChainResponse(), responses.handle)
	require.NoError(t, err)

	env, err := messaging.NewEnvelope(messaging.CallForProposal, "erp", "order-1", negotiation.ProcessChainRequest{
		Requirements: []capability.CapabilityRequirement{{Capability: "Drilling", RequirementID: "r1"}},
	})
	require.NoError(t, err)
	env.WithType(messaging.TypeProcessChain, "")
	require.NoError(t, erp.Publish(context.Background(), dispatcher.topics.ProcessChain(), env))

	require.Eventually(t, func() bool { return responses.first() != nil }, 5*time.Second, 10*time.Millisecond)
	reply := responses.first()
	require.Equal(t, messaging.Proposal, reply.Performative)
	var proposal negotiation.ChainProposal
	require.NoError(t, reply.Decode(&proposal))
	require.Len(t, proposal.Steps, 1)
	require.Len(t, proposal.Steps[0].Offers, 1)
	assert.Equal(t, "mill-a", proposal.Steps[0].Offers[0].ProviderID)
	assert.Equal(t, "Cell1", proposal.Steps[0].Offers[0].StationID)

	resp, err := http.Get("http://" + dispatcher.ops.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "holonflow_registry_providers 1")
	assert.Contains(t, string(body), "holonflow_negotiations_total")
}

func TestRuntime_HealthEndpoint(t *testing.T) {
	rt := startRuntime(t, testConfig(t, "dispatcher", config.RoleDispatcher), nil, buildDispatcher)
	rt.health.Register("broker", func(context.Context) error { return nil })

	var out io.Writer = io.Discard
	require.NoError(t, checkHealth(http.DefaultClient, "http://"+rt.ops.Addr(), out))
}

func TestRuntime_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t, "dispatcher", config.RoleDispatcher)
	cfg.Metrics.Enabled = false

	rt := startRuntime(t, cfg, nil, buildDispatcher)
	assert.Nil(t, rt.ops)
}

func TestRuntime_ApplyAmbientReload(t *testing.T) {
	cfg := testConfig(t, "dispatcher", config.RoleDispatcher)
	rt, err := newAgentRuntime(cfg, "", zap.NewNop(), zap.NewAtomicLevelAt(zapcore.InfoLevel), nil)
	require.NoError(t, err)

	next := *cfg
	next.Log.Level = "debug"
	next.Telemetry.SampleRate = 0.5
	for _, fn := range rt.onReload {
		fn(cfg, &next)
	}
	assert.Equal(t, zapcore.DebugLevel, rt.level.Level())
}

func TestRuntime_ReloadAppliesNegotiationSettings(t *testing.T) {
	bus := messaging.NewMemoryBus(nil)
	cfg := testConfig(t, "dispatcher", config.RoleDispatcher)

	rt := startRuntime(t, cfg, bus, buildDispatcher)

	erp := bus.Client("erp")
	require.NoError(t, erp.Connect(context.Background()))
	t.Cleanup(func() { _ = erp.Disconnect(context.Background()) })
	var responses envelopes
	_, err := erp.Subscribe(context.Background(), rt.topics.ProcessChainResponse(), responses.handle)
	require.NoError(t, err)

	next := *cfg
	next.Negotiation.SimilarityFilter = true
	next.Negotiation.CFPTimeout = 50 * time.Millisecond
	for _, fn := range rt.onReload {
		fn(cfg, &next)
	}

	env, err := messaging.NewEnvelope(messaging.CallForProposal, "erp", "order-2", negotiation.ProcessChainRequest{
		Requirements: []capability.CapabilityRequirement{{Capability: "Painting", RequirementID: "r1"}},
	})
	require.NoError(t, err)
	env.WithType(messaging.TypeProcessChain, "")
	require.NoError(t, erp.Publish(context.Background(), rt.topics.ProcessChain(), env))

	require.Eventually(t, func() bool { return responses.first() != nil }, 3*time.Second, 10*time.Millisecond)
	var refusal negotiation.RefusalPayload
	require.NoError(t, responses.first().Decode(&refusal))
	assert.Equal(t, negotiation.CodeNoCapableAgent, refusal.Code)
}

func TestRuntime_HolonPublishesInventoryFile(t *testing.T) {
	bus := messaging.NewMemoryBus(nil)

	var parts *dispatcherParts
	startRuntime(t, testConfig(t, "dispatcher", config.RoleDispatcher), bus, func(rt *agentRuntime) error {
		var err error
		parts, err = wireDispatcher(rt)
		return err
	})

	dir := t.TempDir()
	descPath := filepath.Join(dir, "mill-a.yaml")
	require.NoError(t, os.WriteFile(descPath, []byte(millDescription), 0o644))
	invPath := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(invPath, []byte("free: 4\noccupied: 2\nslots:\n  - slot_id: A1\n    product_id: P-42\n"), 0o644))

	holonCfg := testConfig(t, "mill-a", config.RoleHolon)
	holonCfg.Agent.Station = "Cell1"
	holonCfg.Agent.DescriptionPath = descPath
	holonCfg.Agent.InventoryPath = invPath
	holon := startRuntime(t, holonCfg, bus, buildHolon)

	pid, ok := holon.agent.ResolveProductID("Cell1")
	require.True(t, ok)
	assert.Equal(t, "P-42", pid)

	require.Eventually(t, func() bool {
		rec, err := parts.registry.Get(context.Background(), "mill-a")
		return err == nil && rec.Inventory != nil && rec.Inventory.Free == 4 && rec.Inventory.Occupied == 2
	}, 3*time.Second, 10*time.Millisecond)
}
