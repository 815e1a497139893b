package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/messaging"
)

func TestAgentContext_Bindings(t *testing.T) {
	agent := newAgent("mill-1", "S1")

	topic, err := capability.ResolveBindings("/{Namespace}/{AgentId}/at/{Station}", agent)
	require.NoError(t, err)
	assert.Equal(t, "/factory/mill-1/at/S1", topic)

	_, ok := agent.Lookup("Unknown")
	assert.False(t, ok)

	bare := NewAgentContext(Identity{AgentID: "x"})
	_, ok = bare.Lookup("Station")
	assert.False(t, ok)
}

func TestAgentContext_InboundQueue(t *testing.T) {
	agent := newAgent("dispatcher", "")

	a, _ := messaging.NewEnvelope(messaging.CallForProposal, "r", "c1", nil)
	b, _ := messaging.NewEnvelope(messaging.CallForProposal, "r", "c2", nil)

	assert.True(t, agent.PutInbound(a))
	assert.False(t, agent.PutInbound(a), "redelivery is dropped")
	assert.True(t, agent.PutInbound(b))
	assert.Equal(t, 2, agent.InboundLen())

	select {
	case <-agent.InboundReady():
	default:
		t.Fatal("ready signal not raised")
	}

	got, ok := agent.TakeInbound()
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConversationID)
	got, ok = agent.TakeInbound()
	require.True(t, ok)
	assert.Equal(t, "c2", got.ConversationID)

	_, ok = agent.TakeInbound()
	assert.False(t, ok, "taking clears the slot")

	assert.False(t, agent.PutInbound(a), "taken envelopes stay deduplicated")
}

func TestAgentContext_SeenLimit(t *testing.T) {
	agent := newAgent("dispatcher", "")
	first, _ := messaging.NewEnvelope(messaging.Inform, "r", "c0", nil)
	require.True(t, agent.PutInbound(first))

	for i := 0; i < inboundSeenLimit; i++ {
		env, _ := messaging.NewEnvelope(messaging.Inform, "r", "c", nil)
		agent.PutInbound(env)
	}
	assert.True(t, agent.PutInbound(first), "oldest id is forgotten past the limit")
}

func TestAgentContext_ResolveProductID(t *testing.T) {
	agent := newAgent("mill-1", "S1")

	_, ok := agent.ResolveProductID("S1")
	assert.False(t, ok)

	agent.SetInventory(InventorySnapshot{Slots: []InventorySlot{
		{SlotID: "a", ProductID: ""},
		{SlotID: "b", ProductID: capability.Wildcard},
		{SlotID: "c", ProductID: "P-own"},
	}})
	agent.SetModuleInventory(InventorySnapshot{Station: "S2", Slots: []InventorySlot{{ProductID: "P-s2"}}})
	agent.SetModuleInventory(InventorySnapshot{Station: "S3", Slots: []InventorySlot{{ProductID: "P-s3"}}})

	own, ok := agent.Inventory()
	require.True(t, ok)
	assert.Equal(t, "S1", own.Station, "station defaults to the agent's")

	tests := []struct {
		station string
		want    string
	}{
		{"S3", "P-s3"},
		{"s2", "P-s2"},
		{"S1", "P-own"},
		{"unknown", "P-own"},
		{"", "P-own"},
	}
	for _, tt := range tests {
		t.Run(tt.station, func(t *testing.T) {
			got, ok := agent.ResolveProductID(tt.station)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAgentContext_ModuleInventoriesKeepOrder(t *testing.T) {
	agent := newAgent("mill-1", "S1")
	agent.SetModuleInventory(InventorySnapshot{Station: "S2", Free: 1})
	agent.SetModuleInventory(InventorySnapshot{Station: "S3", Free: 2})
	agent.SetModuleInventory(InventorySnapshot{Station: "s2", Free: 5})

	mods := agent.ModuleInventories()
	require.Len(t, mods, 2)
	assert.Equal(t, 5, mods[0].Free)
	assert.Equal(t, "S3", mods[1].Station)
}

func TestInventorySnapshot_FirstProduct(t *testing.T) {
	_, ok := InventorySnapshot{}.FirstProduct()
	assert.False(t, ok)

	p, ok := InventorySnapshot{Slots: []InventorySlot{{ProductID: " "}, {ProductID: "P1"}}}.FirstProduct()
	require.True(t, ok)
	assert.Equal(t, "P1", p)
}
