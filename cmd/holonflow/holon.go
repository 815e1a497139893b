package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/graph"
	"github.com/BaSui01/holonflow/agent/matching"
	"github.com/BaSui01/holonflow/agent/negotiation"
	"github.com/BaSui01/holonflow/config"
	"github.com/BaSui01/holonflow/embedding"
	"github.com/BaSui01/holonflow/internal/cache"
	"github.com/BaSui01/holonflow/internal/database"
	"github.com/BaSui01/holonflow/internal/pool"
)

// =============================================================================
// 🏭 holon 命令
// =============================================================================

func newHolonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "holon",
		Short: "Run a machine agent",
		Long: `Run a machine agent (holon).

The holon announces its capabilities, answers CFPs with offers matched
against its capability description and negotiates transport legs.

Capabilities come from agent.description_path, from the capability graph
store when graph.enabled is set, or from both with the store preferred.

Examples:
  holonflow holon --config mill-a.yaml
  HOLONFLOW_AGENT_ID=mill-b holonflow holon --config mill.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts, config.RoleHolon, buildHolon)
		},
	}
}

// holonParts Holon Agent 的组件
type holonParts struct {
	description *capability.Description
	store       *graph.Store
	resolver    *graph.Resolver
	matcher     *matching.PropertyMatcher
	scheduler   *negotiation.SlotScheduler
	transport   *negotiation.TransportNegotiator
	workers     *pool.WorkerPool
	planner     *negotiation.OfferPlanner
	announcer   *negotiation.Announcer
	listener    *negotiation.RegistrationListener
}

func buildHolon(rt *agentRuntime) error {
	_, err := wireHolon(context.Background(), rt)
	return err
}

func wireHolon(ctx context.Context, rt *agentRuntime) (*holonParts, error) {
	cfg := rt.cfg
	p := &holonParts{}

	if cfg.Agent.DescriptionPath != "" {
		desc, err := capability.LoadDescription(cfg.Agent.DescriptionPath)
		if err != nil {
			return nil, err
		}
		if desc.ProviderID == "" {
			desc.ProviderID = cfg.Agent.ID
		}
		p.description = desc
	}

	if cfg.Graph.Enabled {
		store, err := openGraphStore(ctx, rt, p.description)
		if err != nil {
			return nil, err
		}
		p.store = store
	}

	// 存储与本地描述都可能缺失；Resolver 需要无类型的 nil 接口
	var storeQuery, localQuery graph.Query
	if p.store != nil {
		storeQuery = p.store
	}
	if p.description != nil {
		localQuery = graph.NewStaticSource(p.description)
	}
	p.resolver = graph.NewResolver(storeQuery, localQuery, fallbackFromConfig(cfg.Graph), rt.logger)

	embedder, err := newEmbedder(rt)
	if err != nil {
		return nil, err
	}
	p.matcher = matching.NewPropertyMatcher(matcherFromConfig(cfg.Matcher), embedder, rt.metrics, rt.logger)

	p.scheduler = negotiation.NewSlotScheduler(schedulerFromConfig(cfg.Negotiation), discovery.SystemClock{})
	p.transport = negotiation.NewTransportNegotiator(rt.agent, rt.client, rt.topics, nil,
		negotiation.TransportConfig{Timeout: cfg.Negotiation.TransportTimeout}, rt.metrics, rt.logger)
	plannerOpts := []negotiation.PlannerOption{
		negotiation.WithTransport(p.transport),
		negotiation.WithScheduler(p.scheduler),
		negotiation.WithPlannerRecorder(rt.metrics),
	}
	if pc, ok := plannerPoolFromConfig(cfg.Negotiation); ok {
		p.workers = pool.NewWorkerPool(pc, rt.logger)
		rt.addCloser(p.workers.Close)
		plannerOpts = append(plannerOpts, negotiation.WithWorkerPool(p.workers))
	}
	p.planner = negotiation.NewOfferPlanner(rt.agent, rt.client, rt.topics, p.resolver, p.matcher, rt.logger, plannerOpts...)

	names, err := capabilityNames(ctx, cfg.Agent.ID, p.description, p.store)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		rt.logger.Warn("holon offers no capabilities", zap.String("agent_id", cfg.Agent.ID))
	}
	var announcerOpts []negotiation.AnnouncerOption
	if cfg.Agent.InventoryPath != "" {
		announcerOpts = append(announcerOpts, negotiation.WithInventorySource(negotiation.FileInventory{Path: cfg.Agent.InventoryPath}))
	}
	p.announcer = negotiation.NewAnnouncer(rt.agent, rt.client, rt.topics, names, cfg.Agent.HeartbeatInterval, rt.logger, announcerOpts...)

	// 仅跟踪其他模块的库存，不维护注册表
	p.listener = negotiation.NewRegistrationListener(rt.agent, rt.client, rt.topics, nil, discovery.SystemClock{}, rt.logger)

	rt.add(p.listener)
	rt.add(p.planner)
	rt.add(p.announcer)
	return p, nil
}

// openGraphStore 连接能力图数据库，可选地迁移 schema 并导入本地描述
func openGraphStore(ctx context.Context, rt *agentRuntime, desc *capability.Description) (*graph.Store, error) {
	db, err := database.Open(driverFromConfig(rt.cfg.Graph), rt.logger)
	if err != nil {
		return nil, err
	}
	dbPool, err := database.NewPool(db, poolFromConfig(rt.cfg.Graph), rt.logger)
	if err != nil {
		return nil, err
	}
	rt.addCloser(dbPool.Close)
	rt.health.Register("graph", dbPool.Ping)
	if err := dbPool.Register(rt.registry, "graph"); err != nil {
		return nil, err
	}

	store := graph.NewStore(dbPool, rt.logger)
	if rt.cfg.Graph.AutoMigrate {
		if err := store.AutoMigrate(ctx); err != nil {
			return nil, err
		}
	}
	if desc != nil {
		if err := store.ImportDescription(ctx, desc); err != nil {
			return nil, fmt.Errorf("import capability description: %w", err)
		}
	}
	return store, nil
}

// newEmbedder 构建语义匹配用的向量器；未启用时返回 nil，匹配器只做精确匹配
func newEmbedder(rt *agentRuntime) (matching.Embedder, error) {
	cfg := rt.cfg.Embedding
	if !cfg.Enabled {
		return nil, nil
	}
	provider, err := embedding.NewProvider(embeddingFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	local := embedding.NewMemoryVectorCache(cfg.CacheSize)
	var vectors embedding.VectorCache = local
	if cfg.RedisCache {
		store, err := cache.NewClient(cacheFromConfig(rt.cfg), rt.logger)
		if err != nil {
			return nil, fmt.Errorf("connect vector cache: %w", err)
		}
		rt.addCloser(store.Close)
		rt.health.Register("redis", store.Ping)
		vectors = embedding.NewTieredVectorCache(local, embedding.NewRedisVectorCache(store, cfg.CacheTTL, rt.logger))
	}
	return matching.NewCachedEmbedder(provider, vectors, rt.metrics, rt.logger), nil
}

// capabilityNames 收集要广播的能力名称：本地描述优先，其次能力图存储
func capabilityNames(ctx context.Context, agentID string, desc *capability.Description, store *graph.Store) ([]string, error) {
	if desc != nil {
		return desc.Names(), nil
	}
	if store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	names, err := store.Capabilities(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list stored capabilities: %w", err)
	}
	return names, nil
}
