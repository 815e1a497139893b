// =============================================================================
// HolonFlow 主入口
// =============================================================================
// 制造能力协商引擎的命令行入口。
//
// 使用方法:
//
//	holonflow dispatcher --config holonflow.yaml   # 运行调度 Agent
//	holonflow holon --config mill-a.yaml           # 运行 Holon (机器) Agent
//	holonflow migrate up                           # 能力图数据库迁移
//	holonflow health --addr http://localhost:9091  # 健康检查
//	holonflow version                              # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// rootOptions 所有子命令共享的全局参数
type rootOptions struct {
	configPath string
	envPrefix  string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "holonflow",
		Short: "Multi-agent manufacturing capability negotiation",
		Long: `HolonFlow negotiates process chains between a dispatcher and
machine agents (holons) over a message bus.

Agent commands:
  holonflow dispatcher     Run the dispatcher agent
  holonflow holon          Run a machine agent

Operations:
  holonflow migrate        Capability graph database migrations
  holonflow health         Query a running agent's /health endpoint
  holonflow version        Show version information`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "", "environment variable prefix (default HOLONFLOW)")

	rootCmd.AddCommand(newDispatcherCmd(opts))
	rootCmd.AddCommand(newHolonCmd(opts))
	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
