package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/holonflow/internal/server"
)

// =============================================================================
// 🏥 健康检查与版本命令
// =============================================================================

func newHealthCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running agent's /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			return checkHealth(client, addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:9091", "ops server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// checkHealth 请求 /health 并打印每项检查结果；非 200 返回错误
func checkHealth(client *http.Client, addr string, out io.Writer) error {
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var report server.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("health check failed: status %d: %w", resp.StatusCode, err)
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %s\n", name, report.Checks[name])
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d (%s)", resp.StatusCode, report.Status)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "HolonFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}
