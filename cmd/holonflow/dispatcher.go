package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/negotiation"
	"github.com/BaSui01/holonflow/config"
)

// =============================================================================
// 🧭 dispatcher 命令
// =============================================================================

func newDispatcherCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the dispatcher agent",
		Long: `Run the dispatcher agent.

The dispatcher keeps the capability registry, answers process chain
requests with a Proposal or a Refusal and brokers transport CFPs.

Examples:
  holonflow dispatcher
  holonflow dispatcher --config /etc/holonflow/dispatcher.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts, config.RoleDispatcher, buildDispatcher)
		},
	}
}

// dispatcherParts 调度 Agent 的组件
type dispatcherParts struct {
	registry    *discovery.CapabilityRegistry
	pruner      *discovery.Pruner
	coordinator *negotiation.Coordinator
	broker      *negotiation.TransportBroker
	listener    *negotiation.RegistrationListener
}

// buildDispatcher 组装注册表、剪枝器、协调器、运输代理与注册监听器
func buildDispatcher(rt *agentRuntime) error {
	_, err := wireDispatcher(rt)
	return err
}

func wireDispatcher(rt *agentRuntime) (*dispatcherParts, error) {
	cfg := rt.cfg
	p := &dispatcherParts{}

	p.registry = discovery.NewCapabilityRegistry(registryFromConfig(cfg), discovery.SystemClock{}, rt.logger)
	p.registry.Subscribe(func(e *discovery.RegistryEvent) {
		rt.metrics.RecordRegistryEvent(string(e.Type))
		rt.metrics.SetRegistryProviders(p.registry.Len())
	})

	p.pruner = discovery.NewPruner(p.registry, rt.logger)
	p.pruner.OnPrune(func(removed []string) {
		rt.logger.Info("stale providers pruned", zap.Strings("provider_ids", removed))
	})

	coordOpts := []negotiation.CoordinatorOption{negotiation.WithCoordinatorRecorder(rt.metrics)}
	if cfg.Negotiation.SimilarityFilter {
		coordOpts = append(coordOpts, negotiation.WithOracle(negotiation.RegistryOracle{Registry: p.registry}))
	}
	p.coordinator = negotiation.NewCoordinator(rt.agent, rt.client, rt.topics, p.registry,
		coordinatorFromConfig(cfg.Negotiation), rt.logger, coordOpts...)

	p.broker = negotiation.NewTransportBroker(rt.agent, rt.client, rt.topics, p.registry, p.coordinator,
		cfg.Negotiation.TransportCapability, rt.logger,
		negotiation.WithCollectTimeout(cfg.Negotiation.TransportCollectTimeout))
	p.listener = negotiation.NewRegistrationListener(rt.agent, rt.client, rt.topics, p.registry,
		discovery.SystemClock{}, rt.logger)

	// 监听器先于协调器启动，注册消息不会丢
	rt.add(p.listener)
	rt.add(p.pruner)
	rt.add(p.coordinator)
	rt.add(p.broker)

	rt.addReload(func(old, next *config.Config) {
		applyNegotiationReload(p.coordinator, p.registry, old.Negotiation, next.Negotiation)
	})
	return p, nil
}

// applyNegotiationReload 应用可热更新的协商参数
func applyNegotiationReload(c *negotiation.Coordinator, registry discovery.Registry, old, next config.NegotiationConfig) {
	if old.CFPTimeout != next.CFPTimeout {
		c.SetCFPTimeout(next.CFPTimeout)
	}
	if old.SimilarityFilter != next.SimilarityFilter {
		if next.SimilarityFilter {
			c.SetOracle(negotiation.RegistryOracle{Registry: registry})
		} else {
			c.SetOracle(nil)
		}
	}
}
