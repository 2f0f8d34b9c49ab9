package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name health checks query for the receive service
const ServiceName = "courier.Receiver"

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Admin is the gRPC listener carrying the standard health service. The
// serving status follows the store: SERVING while it answers pings.
type Admin struct {
	address  string
	store    Pinger
	interval time.Duration
	logger   *zap.Logger

	health   *health.Server
	server   *grpc.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

func NewAdmin(address string, store Pinger, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Admin{
		address:  address,
		store:    store,
		interval: 10 * time.Second,
		logger:   logger,
		health:   health.NewServer(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen binds the admin address. Call Serve afterwards.
func (a *Admin) Listen() error {
	listener, err := net.Listen("tcp", a.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.address, err)
	}
	a.listener = listener

	a.server = grpc.NewServer()
	healthpb.RegisterHealthServer(a.server, a.health)
	a.check()
	return nil
}

// Addr is the bound address, useful when listening on port 0
func (a *Admin) Addr() string {
	if a.listener == nil {
		return a.address
	}
	return a.listener.Addr().String()
}

// Serve blocks until Stop
func (a *Admin) Serve() error {
	if a.server == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	a.logger.Info("Admin gRPC server starting", zap.String("address", a.Addr()))

	go a.watchStore()
	return a.server.Serve(a.listener)
}

func (a *Admin) Stop() {
	a.cancel()
	if a.server != nil {
		a.health.Shutdown()
		a.server.GracefulStop()
	}
}

func (a *Admin) watchStore() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.check()
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Admin) check() {
	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := a.store.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		a.logger.Warn("Store ping failed", zap.Error(err))
	}
	a.health.SetServingStatus("", status)
	a.health.SetServingStatus(ServiceName, status)
}
