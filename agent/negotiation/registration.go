package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/messaging"
)

// =============================================================================
// 📣 Announcer
// =============================================================================

// Announcer publishes a holon's registration heartbeat and inventory.
type Announcer struct {
	agent        *AgentContext
	client       messaging.Client
	topics       messaging.Topics
	capabilities []string
	interval     time.Duration
	inventory    InventorySource
	logger       *zap.Logger

	syncMu    sync.Mutex
	published *InventorySnapshot

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// AnnouncerOption configures an Announcer.
type AnnouncerOption func(*Announcer)

// WithInventorySource reads the holon's own inventory from src on start and
// on every heartbeat, publishing it when it changed.
func WithInventorySource(src InventorySource) AnnouncerOption {
	return func(a *Announcer) { a.inventory = src }
}

// NewAnnouncer creates an announcer. interval <= 0 defaults to 30s.
func NewAnnouncer(agent *AgentContext, client messaging.Client, topics messaging.Topics, capabilities []string, interval time.Duration, logger *zap.Logger, opts ...AnnouncerOption) *Announcer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Announcer{
		agent:        agent,
		client:       client,
		topics:       topics,
		capabilities: append([]string(nil), capabilities...),
		interval:     interval,
		logger:       logger.With(zap.String("component", "announcer"), zap.String("agent_id", agent.AgentID())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnnounceOnce publishes one registration heartbeat. Heartbeats carry no
// inventory so they never overwrite live counters.
func (a *Announcer) AnnounceOnce(ctx context.Context) error {
	payload := RegistrationPayload{
		ProviderID:   a.agent.AgentID(),
		Station:      a.agent.Station(),
		Capabilities: a.capabilities,
	}
	env, err := messaging.NewEnvelope(messaging.Inform, a.agent.AgentID(), uuid.NewString(), payload)
	if err != nil {
		return err
	}
	env.WithType(messaging.TypeRegistration, "")
	if err := a.client.Publish(ctx, a.topics.Registration(), env); err != nil {
		return fmt.Errorf("publish registration: %w", err)
	}
	return nil
}

// PublishInventory records the snapshot locally and reports it.
func (a *Announcer) PublishInventory(ctx context.Context, snap InventorySnapshot) error {
	a.agent.SetInventory(snap)
	snap, _ = a.agent.Inventory()

	payload := InventoryPayload{
		ProviderID: a.agent.AgentID(),
		Station:    snap.Station,
		Free:       snap.Free,
		Occupied:   snap.Occupied,
		Slots:      snap.Slots,
	}
	env, err := messaging.NewEnvelope(messaging.Inform, a.agent.AgentID(), uuid.NewString(), payload)
	if err != nil {
		return err
	}
	env.WithType(messaging.TypeInventory, "")
	if err := a.client.Publish(ctx, a.topics.Inventory(), env); err != nil {
		return fmt.Errorf("publish inventory: %w", err)
	}
	return nil
}

// SyncInventory reads the inventory source and publishes the snapshot when
// it differs from the last one published. No-op without a source.
func (a *Announcer) SyncInventory(ctx context.Context) error {
	if a.inventory == nil {
		return nil
	}
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	snap, err := a.inventory.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	if snap.Station == "" {
		snap.Station = a.agent.Station()
	}
	if a.published != nil && sameSnapshot(*a.published, snap) {
		return nil
	}
	if err := a.PublishInventory(ctx, snap); err != nil {
		return err
	}
	a.published = &snap
	a.logger.Debug("inventory published", zap.Int("free", snap.Free), zap.Int("occupied", snap.Occupied))
	return nil
}

// Start announces immediately and then every interval.
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if err := a.AnnounceOnce(ctx); err != nil {
		return err
	}
	if err := a.SyncInventory(ctx); err != nil {
		a.logger.Warn("inventory sync failed", zap.Error(err))
	}
	a.running = true
	a.done = make(chan struct{})
	a.wg.Add(1)
	go a.loop(context.WithoutCancel(ctx), a.done)
	a.logger.Info("announcer started", zap.Duration("interval", a.interval))
	return nil
}

// Stop ends the heartbeat loop.
func (a *Announcer) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.done)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *Announcer) loop(ctx context.Context, done <-chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := a.AnnounceOnce(ctx); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
			if err := a.SyncInventory(ctx); err != nil {
				a.logger.Warn("inventory sync failed", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// 📬 RegistrationListener
// =============================================================================

// RegistrationListener applies registration and inventory messages. On the
// dispatcher it feeds the registry; on a holon (nil registry) it keeps the
// module inventory snapshots of the other stations.
type RegistrationListener struct {
	agent    *AgentContext
	client   messaging.Client
	topics   messaging.Topics
	registry discovery.Registry
	clock    discovery.Clock
	logger   *zap.Logger

	mu   sync.Mutex
	subs []messaging.Subscription
}

// NewRegistrationListener creates a listener. registry may be nil.
func NewRegistrationListener(agent *AgentContext, client messaging.Client, topics messaging.Topics, registry discovery.Registry, clock discovery.Clock, logger *zap.Logger) *RegistrationListener {
	if clock == nil {
		clock = discovery.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistrationListener{
		agent:    agent,
		client:   client,
		topics:   topics,
		registry: registry,
		clock:    clock,
		logger:   logger.With(zap.String("component", "registration_listener")),
	}
}

// Start subscribes to the registration and inventory topics.
func (l *RegistrationListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subs) > 0 {
		return nil
	}
	if l.registry != nil {
		sub, err := l.client.Subscribe(ctx, l.topics.Registration(), l.HandleRegistration)
		if err != nil {
			return fmt.Errorf("subscribe registration: %w", err)
		}
		l.subs = append(l.subs, sub)
	}
	sub, err := l.client.Subscribe(ctx, l.topics.Inventory(), l.HandleInventory)
	if err != nil {
		for _, s := range l.subs {
			_ = s.Unsubscribe()
		}
		l.subs = nil
		return fmt.Errorf("subscribe inventory: %w", err)
	}
	l.subs = append(l.subs, sub)
	return nil
}

// Stop unsubscribes.
func (l *RegistrationListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleRegistration applies one registration heartbeat.
func (l *RegistrationListener) HandleRegistration(ctx context.Context, env *messaging.Envelope) {
	if l.registry == nil {
		return
	}
	var p RegistrationPayload
	if err := env.Decode(&p); err != nil {
		l.logger.Warn("ignoring malformed registration", zap.String("sender", env.SenderID), zap.Error(err))
		return
	}
	if strings.TrimSpace(p.ProviderID) == "" {
		p.ProviderID = env.SenderID
	}
	rec := discovery.ProviderRecord{
		ProviderID:   p.ProviderID,
		Capabilities: p.Capabilities,
		Inventory:    p.Inventory,
		LastSeen:     l.clock.Now(),
	}
	if err := l.registry.Upsert(ctx, rec); err != nil {
		l.logger.Warn("registration rejected", zap.String("provider_id", p.ProviderID), zap.Error(err))
		return
	}
	l.logger.Debug("provider registered",
		zap.String("provider_id", p.ProviderID),
		zap.Strings("capabilities", p.Capabilities),
	)
}

// HandleInventory applies one inventory report.
func (l *RegistrationListener) HandleInventory(ctx context.Context, env *messaging.Envelope) {
	var p InventoryPayload
	if err := env.Decode(&p); err != nil {
		l.logger.Warn("ignoring malformed inventory", zap.String("sender", env.SenderID), zap.Error(err))
		return
	}
	if strings.TrimSpace(p.ProviderID) == "" {
		p.ProviderID = env.SenderID
	}
	if l.registry != nil {
		if err := l.registry.UpsertInventory(ctx, p.ProviderID, p.Free, p.Occupied, l.clock.Now()); err != nil {
			l.logger.Warn("inventory rejected", zap.String("provider_id", p.ProviderID), zap.Error(err))
		}
	}
	if l.agent != nil && !strings.EqualFold(p.ProviderID, l.agent.AgentID()) {
		station := p.Station
		if station == "" {
			station = p.ProviderID
		}
		l.agent.SetModuleInventory(InventorySnapshot{
			Station:  station,
			Free:     p.Free,
			Occupied: p.Occupied,
			Slots:    p.Slots,
		})
	}
}
