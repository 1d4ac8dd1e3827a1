// Package rpc serves the gRPC health protocol for the narration service and
// probes it.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/lexiqai/narrator/internal/resilience"
)

// ServiceName is the health service name reported besides the overall ""
const ServiceName = "narrator.Narration"

// HealthServer is a gRPC server exposing grpc.health.v1
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewHealthServer creates a server reporting NOT_SERVING until SetServing
func NewHealthServer(logger zerolog.Logger) *HealthServer {
	s := &HealthServer{
		server: grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		})),
		health: health.NewServer(),
		logger: logger.With().Str("component", "grpc_health").Logger(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.SetServing(false)
	return s
}

// SetServing updates the reported status of the overall and narration services
func (s *HealthServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.logger.Info().Str("status", st.String()).Msg("gRPC health status updated")
}

// Serve accepts connections on lis until Stop
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Stop marks the service as shutting down and drains connections
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Probe asks the health service at addr whether service is SERVING.
// Unavailable and deadline errors are retried with backoff.
func Probe(ctx context.Context, addr, service string) (bool, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create health client for %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	var resp *healthpb.HealthCheckResponse

	cfg := &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	err = resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
		var err error
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		return err
	}, cfg, isRetryableStatus)
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}

	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// isRetryableStatus reports gRPC codes worth another attempt
func isRetryableStatus(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
