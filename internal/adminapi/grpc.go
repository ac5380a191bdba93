package adminapi

import (
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"dcaengine/internal/core"
)

// GRPCHealthServer exposes the engine's aggregated health over the
// standard gRPC health protocol, the probe surface load balancers and
// orchestrators already speak. Serving status tracks the health manager:
// every registered component healthy reports SERVING, anything failing
// reports NOT_SERVING.
type GRPCHealthServer struct {
	addr    string
	monitor core.IHealthMonitor
	logger  core.ILogger

	server *grpc.Server
	hs     *health.Server
	quit   chan struct{}
}

// NewGRPCHealthServer builds the server; Start binds and serves.
func NewGRPCHealthServer(addr string, monitor core.IHealthMonitor, logger core.ILogger) *GRPCHealthServer {
	return &GRPCHealthServer{
		addr:    addr,
		monitor: monitor,
		logger:  logger.WithField("component", "admin_grpc"),
	}
}

// Start binds addr, registers the health service, and begins both serving
// and the status-refresh loop. The refresh interval matches the fill
// monitor's heartbeat cadence closely enough for probes.
func (s *GRPCHealthServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    30 * time.Second,
		Timeout: 10 * time.Second,
	}))
	s.hs = health.NewServer()
	s.quit = make(chan struct{})
	healthpb.RegisterHealthServer(s.server, s.hs)
	s.refresh()

	go func() {
		s.logger.Info("admin grpc health server listening", "addr", s.addr)
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("admin grpc health server stopped", "error", err)
		}
	}()
	go s.refreshLoop()
	return nil
}

// Stop drains in-flight RPCs and stops the server and refresh loop.
func (s *GRPCHealthServer) Stop() {
	if s.quit != nil {
		close(s.quit)
	}
	if s.server != nil {
		s.server.GracefulStop()
	}
}

func (s *GRPCHealthServer) refreshLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *GRPCHealthServer) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.monitor != nil && !s.monitor.IsHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.hs.SetServingStatus("", status)
	if s.monitor != nil {
		for component, state := range s.monitor.GetStatus() {
			st := healthpb.HealthCheckResponse_SERVING
			if state != "Healthy" {
				st = healthpb.HealthCheckResponse_NOT_SERVING
			}
			s.hs.SetServingStatus(component, st)
		}
	}
}
