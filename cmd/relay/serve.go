package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/mcp"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		healthAddr string
		noMCP      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the orchestrator as an MCP server over stdio",
		Long: `Serve publishes the orchestrator tools over MCP on stdin and stdout and
runs the process monitor in the background. With --health-addr a gRPC health
service is exposed as well. Logs go to stderr.`,
		Example: `  relay serve
  relay serve --health-addr :8081
  relay serve --no-mcp --health-addr 127.0.0.1:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if healthAddr == "" {
				healthAddr = a.cfg.Server.HealthAddr
			}
			if noMCP && healthAddr == "" {
				return NewUsageError("--no-mcp needs --health-addr or server.health_addr")
			}
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := orc.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if healthAddr != "" {
				lis, err := net.Listen("tcp", healthAddr)
				if err != nil {
					return fmt.Errorf("listen %s: %w", healthAddr, err)
				}
				hs := health.NewGRPCServer(orc.HealthProvider(), 0)
				g.Go(func() error { return hs.Serve(gctx, lis) })
			}
			if noMCP {
				g.Go(func() error {
					<-gctx.Done()
					return nil
				})
			} else {
				srv := mcp.NewServer("relay", version, orc)
				g.Go(func() error {
					defer cancel()
					slog.Default().InfoContext(gctx, "mcp.serve.stdio", slog.Int("tools", len(srv.Tools())))
					return srv.ServeStdio()
				})
			}
			return g.Wait()
		},
	}
	f := cmd.Flags()
	f.StringVar(&healthAddr, "health-addr", "", "Address for the gRPC health service (defaults to server.health_addr)")
	f.BoolVar(&noMCP, "no-mcp", false, "Only run the monitor and health service")
	return cmd
}
