package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/config"
	"github.com/ShayCichocki/opsbrain/internal/mcpserver"
	"github.com/ShayCichocki/opsbrain/internal/version"
)

var mcpAddr string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Brain as an MCP server",
	Long: `Start the Brain and expose its operations as MCP tools.

Without an address the server speaks MCP over stdin/stdout, for clients
that launch it as a subprocess. With --addr (or mcp.addr) it serves
streamable HTTP on /mcp, optionally behind OAuth (mcp.oauth.*).

This process owns the event store. Do not run it next to 'brain serve'
on the same store.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpAddr, "addr", "", "Serve streamable HTTP on this address instead of stdio")
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mcpAddr != "" {
		cfg.MCP.Addr = mcpAddr
	}

	// stdout belongs to the protocol on stdio; everything else goes to stderr.
	logger := log.New(os.Stderr, "", log.LstdFlags)
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go drainNotices(rt.brain.Notices(), logger, false)

	if err := rt.restore(ctx, logger); err != nil {
		return err
	}

	srv, err := mcpserver.NewServer(mcpServerConfig(cfg, rt))
	if err != nil {
		return err
	}
	if cfg.MCP.Addr == "" {
		return srv.ServeStdio(ctx)
	}
	return srv.ServeHTTP(ctx)
}

func mcpServerConfig(cfg *config.Config, rt *runtime) *mcpserver.ServerConfig {
	sc := &mcpserver.ServerConfig{
		Version:  version.Get(),
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Handlers: mcpserver.NewHandlers(rt.brain),
		Addr:     cfg.MCP.Addr,
	}
	if o := cfg.MCP.OAuth; o.Enabled {
		sc.OAuth = &mcpserver.OAuthConfig{
			Provider:  o.Provider,
			Issuer:    o.Issuer,
			Audience:  o.Audience,
			ServerURL: o.ServerURL,
		}
	}
	return sc
}
