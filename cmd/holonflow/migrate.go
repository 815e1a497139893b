package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/config"
	"github.com/BaSui01/holonflow/internal/database"
	"github.com/BaSui01/holonflow/internal/migration"
)

// =============================================================================
// 🗄️ 能力图数据库迁移命令
// =============================================================================

// openMigrator 创建迁移器，测试中替换
var openMigrator = func(d database.DriverConfig, logger *zap.Logger) (migration.Migrator, error) {
	return migration.Open(d, migration.WithLogger(logger))
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var driver string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Capability graph database migrations",
		Long: `Apply or inspect the capability graph schema migrations.

The database is taken from the graph section of the config file.

Examples:
  holonflow migrate up
  holonflow migrate status --config /etc/holonflow/mill-a.yaml
  holonflow migrate down --driver sqlite
  holonflow migrate force 1`,
	}
	cmd.PersistentFlags().StringVar(&driver, "driver", "", "override graph.driver (postgres, mysql, sqlite)")

	sub := func(use, short string, run func(*migration.Console, context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				return runMigration(c.Context(), opts, driver, c.OutOrStdout(), run)
			},
		}
	}

	cmd.AddCommand(sub("up", "Apply all pending migrations", (*migration.Console).Up))
	cmd.AddCommand(sub("down", "Roll back the last migration", (*migration.Console).Down))
	cmd.AddCommand(sub("status", "Show migration status", (*migration.Console).Status))
	cmd.AddCommand(sub("version", "Show the current schema version", (*migration.Console).Version))
	cmd.AddCommand(sub("info", "Show dialect, version and managed tables", (*migration.Console).Info))
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Long: `Set the schema version and clear the dirty flag without running SQL.

Use after repairing a migration that failed halfway. -1 marks the schema
as never migrated: holonflow migrate force -- -1`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return runMigration(c.Context(), opts, driver, c.OutOrStdout(), func(con *migration.Console, ctx context.Context) error {
				return con.Force(ctx, version)
			})
		},
	})
	return cmd
}

func runMigration(ctx context.Context, opts *rootOptions, driver string, out io.Writer, run func(*migration.Console, context.Context) error) error {
	loader := config.NewLoader()
	if opts.configPath != "" {
		loader = loader.WithConfigPath(opts.configPath)
	}
	if opts.envPrefix != "" {
		loader = loader.WithEnvPrefix(opts.envPrefix)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if driver != "" {
		cfg.Graph.Driver = driver
	}

	logger, _, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m, err := openMigrator(driverFromConfig(cfg.Graph), logger)
	if err != nil {
		return fmt.Errorf("open graph schema: %w", err)
	}
	defer m.Close()

	return run(migration.NewConsole(m, out), ctx)
}
