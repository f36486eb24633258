// Package server exposes process-level introspection: an HTTP status endpoint and the
// standard gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Health service names.
const (
	ServiceEventBus   = "keeper.eventbus"
	ServiceSupervisor = "keeper.supervisor"
	// ServiceLedger is registered only when a ledger is configured and is not part of
	// the overall status.
	ServiceLedger = "keeper.ledger"
)

// Server hosts the HTTP status endpoint and the gRPC health service.
type Server struct {
	httpListener net.Listener
	grpcListener net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server

	bus      BusSource
	sup      SupervisorSource
	ledger   LedgerSource
	interval time.Duration
	logger   *zap.Logger
}

// Options tune a Server.
type Options struct {
	// HealthInterval is how often gRPC health statuses are refreshed.
	HealthInterval time.Duration
	// Ledger adds action ledger connectivity to the status report when set.
	Ledger LedgerSource
}

// New listens on both configured addresses.
func New(cfg config.ServerConfig, bus BusSource, sup SupervisorSource, opts Options, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}

	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddress, err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		_ = httpLis.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	logger = logger.With(zap.String("component", "server"))

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(ChainUnaryInterceptors(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		httpListener: httpLis,
		grpcListener: grpcLis,
		httpServer: &http.Server{
			Handler:           NewStatusHandler(bus, sup, opts.Ledger, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcServer: grpcServer,
		health:     healthServer,
		bus:        bus,
		sup:        sup,
		ledger:     opts.Ledger,
		interval:   opts.HealthInterval,
		logger:     logger,
	}
	s.refreshHealth()
	return s, nil
}

// HTTPAddr returns the bound HTTP address.
func (s *Server) HTTPAddr() string { return s.httpListener.Addr().String() }

// GRPCAddr returns the bound gRPC address.
func (s *Server) GRPCAddr() string { return s.grpcListener.Addr().String() }

// Serve runs both servers and the health refresher until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting gRPC server", zap.String("address", s.GRPCAddr()))
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("starting status server", zap.String("address", s.HTTPAddr()))
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.refreshHealth()
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("status server shutdown", zap.Error(err))
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	s.logger.Info("servers stopped")
}

func (s *Server) refreshHealth() {
	report := BuildReport(context.Background(), s.bus, s.sup, s.ledger)
	s.health.SetServingStatus(ServiceEventBus, servingStatus(report.BusHealthy))
	s.health.SetServingStatus(ServiceSupervisor, servingStatus(report.WorkersHealthy))
	if report.Ledger != nil {
		s.health.SetServingStatus(ServiceLedger, servingStatus(report.Ledger.Reachable))
	}
	s.health.SetServingStatus("", servingStatus(report.Healthy))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
