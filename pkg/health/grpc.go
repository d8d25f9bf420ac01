// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer publishes provider results through the standard gRPC health
// protocol. The empty service name carries the aggregate status and each
// component is published under its own name.
type GRPCServer struct {
	provider *Provider
	health   *grpchealth.Server
	server   *grpc.Server
	interval time.Duration
}

// NewGRPCServer creates a gRPC server exposing provider. interval controls
// how often statuses are refreshed while serving.
func NewGRPCServer(provider *Provider, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{provider: provider, health: hs, server: srv, interval: interval}
}

// Server returns the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Health returns the health service implementation.
func (s *GRPCServer) Health() healthpb.HealthServer { return s.health }

// Refresh runs every checker and updates the published statuses.
// Degraded components still report SERVING.
func (s *GRPCServer) Refresh(ctx context.Context) Report {
	report := s.provider.CheckAll(ctx)
	s.health.SetServingStatus("", servingStatus(report.Status))
	for _, c := range report.Components {
		s.health.SetServingStatus(c.Component, servingStatus(c.Status))
	}
	return report
}

// Serve refreshes statuses periodically and serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
	slog.Default().InfoContext(ctx, "health.grpc.serve", slog.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

func servingStatus(st Status) healthpb.HealthCheckResponse_ServingStatus {
	if st == Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
