package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pruner periodically removes providers that stopped heartbeating.
type Pruner struct {
	registry *CapabilityRegistry
	interval time.Duration
	timeout  time.Duration
	selfID   string
	logger   *zap.Logger

	// onPrune is invoked with the ids removed by each pass.
	onPrune func(removed []string)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPruner creates a pruner driven by the registry configuration.
func NewPruner(registry *CapabilityRegistry, logger *zap.Logger) *Pruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := registry.Config()
	return &Pruner{
		registry: registry,
		interval: cfg.PruneInterval,
		timeout:  cfg.StaleTimeout,
		selfID:   cfg.SelfID,
		logger:   logger.With(zap.String("component", "registry_pruner")),
	}
}

// OnPrune registers a callback invoked after each pass that removed providers.
func (p *Pruner) OnPrune(fn func(removed []string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPrune = fn
}

// Start starts the prune loop. A non-positive interval or timeout leaves the
// pruner idle.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.interval <= 0 || p.timeout <= 0 {
		p.logger.Info("registry pruning disabled")
		return nil
	}

	p.done = make(chan struct{})
	p.running = true
	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("registry pruner started",
		zap.Duration("interval", p.interval),
		zap.Duration("stale_timeout", p.timeout),
	)
	return nil
}

// Stop stops the prune loop and waits for it to exit.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	close(p.done)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("registry pruner stopped")
	return nil
}

// PruneOnce runs a single prune pass at the registry clock's current time.
func (p *Pruner) PruneOnce() []string {
	removed := p.registry.PruneStale(p.timeout, p.registry.clock.Now(), p.selfID)

	p.mu.Lock()
	cb := p.onPrune
	p.mu.Unlock()
	if cb != nil && len(removed) > 0 {
		cb(removed)
	}
	return removed
}

func (p *Pruner) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PruneOnce()
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
