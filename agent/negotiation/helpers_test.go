package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/graph"
	"github.com/BaSui01/holonflow/agent/matching"
	"github.com/BaSui01/holonflow/agent/messaging"
)

const testNamespace = "factory"

func testTopics(t *testing.T) messaging.Topics {
	t.Helper()
	topics, err := messaging.NewTopics(testNamespace)
	require.NoError(t, err)
	return topics
}

func connect(t *testing.T, bus *messaging.MemoryBus, id string) *messaging.MemoryClient {
	t.Helper()
	c := bus.Client(id)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func newAgent(id, station string) *AgentContext {
	return NewAgentContext(Identity{AgentID: id, Namespace: testNamespace, Station: station})
}

// inbox 收集异步投递的信封.
type inbox struct {
	mu   sync.Mutex
	envs []*messaging.Envelope
}

func (b *inbox) handle(_ context.Context, env *messaging.Envelope) {
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.envs)
}

func (b *inbox) first() *messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.envs) == 0 {
		return nil
	}
	return b.envs[0]
}

func (b *inbox) all() []*messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*messaging.Envelope(nil), b.envs...)
}

func subscribe(t *testing.T, c messaging.Client, topic string) *inbox {
	t.Helper()
	var box inbox
	_, err := c.Subscribe(context.Background(), topic, box.handle)
	require.NoError(t, err)
	return &box
}

func waitFor(t *testing.T, box *inbox, n int) []*messaging.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return box.len() >= n }, 3*time.Second, 5*time.Millisecond)
	return box.all()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorderSpy 记录所有指标调用.
type recorderSpy struct {
	mu           sync.Mutex
	negotiations []string
	cfps         []string
	responses    []string
	legs         []string
}

func (r *recorderSpy) RecordNegotiation(role, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.negotiations = append(r.negotiations, role+":"+outcome)
	r.mu.Unlock()
}

func (r *recorderSpy) RecordCFPSent(c string) {
	r.mu.Lock()
	r.cfps = append(r.cfps, c)
	r.mu.Unlock()
}

func (r *recorderSpy) RecordResponse(p string) {
	r.mu.Lock()
	r.responses = append(r.responses, p)
	r.mu.Unlock()
}

func (r *recorderSpy) RecordTransportLeg(placement, outcome string) {
	r.mu.Lock()
	r.legs = append(r.legs, placement+":"+outcome)
	r.mu.Unlock()
}

func (r *recorderSpy) snapshot() (negotiations, cfps, responses, legs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.negotiations...),
		append([]string(nil), r.cfps...),
		append([]string(nil), r.responses...),
		append([]string(nil), r.legs...)
}

// scriptedMatcher returns its results in call order and repeats the last one.
type scriptedMatcher struct {
	mu      sync.Mutex
	results []matching.Result
	calls   int
	panics  bool
}

func (m *scriptedMatcher) Match(_ context.Context, _, _ []capability.PropertyDescriptor) matching.Result {
	if m.panics {
		panic("matcher exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i]
}

func okMatch(score float64) matching.Result {
	return matching.Result{Matched: []matching.MatchedProperty{{Similarity: score, Method: matching.MethodExactKey}}}
}

type stubSource struct {
	res graph.Resolution
	err error
}

func (s stubSource) Resolve(context.Context, string, string) (graph.Resolution, error) {
	return s.res, s.err
}

func localSource(caps ...capability.CapabilityDescription) stubSource {
	return stubSource{res: graph.Resolution{Capabilities: caps, Source: graph.SourceLocal}}
}

// staticResolver resolves from a local description only.
func staticResolver(desc *capability.Description) *graph.Resolver {
	return graph.NewResolver(nil, graph.NewStaticSource(desc), graph.DefaultFallbackPolicy(), nil)
}

// respondWith answers every envelope on topic with the reply built by fn.
// A nil reply is not sent.
func respondWith(t *testing.T, c messaging.Client, topic string, fn func(env *messaging.Envelope) *messaging.Envelope) {
	t.Helper()
	_, err := c.Subscribe(context.Background(), topic, func(ctx context.Context, env *messaging.Envelope) {
		reply := fn(env)
		if reply == nil {
			return
		}
		_ = c.Publish(ctx, env.ReplyTo, reply)
	})
	require.NoError(t, err)
}

// replyTo builds a reply or nil; it runs on handler goroutines.
func replyTo(env *messaging.Envelope, perf messaging.Performative, sender string, payload any) *messaging.Envelope {
	r, err := env.Reply(perf, sender, payload)
	if err != nil {
		return nil
	}
	return r
}
