package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runmcp "github.com/ppiankov/runforge/internal/mcp"
)

var mcpConfigPath string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "Path to config YAML (default: RUNFORGE_CONFIG or built-in defaults)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs runforge as an MCP (Model Context Protocol) server over stdio.\nExposes the pipeline as tools: remediate, status, check, approve, deny, pending, audit.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	st, err := buildStack(mcpConfigPath)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := runmcp.New(st.supervisor, st.enforcer, runmcp.Config{
		AuditPath: st.cfg.Audit.Path,
		Version:   version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go st.gate.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "runforge MCP server running on stdio")
	return srv.Run(ctx)
}
