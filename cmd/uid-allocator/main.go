// UID Allocator service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/config"
	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/logging"
	"github.com/secgraph/graphcore/internal/rpcserver"
	"github.com/secgraph/graphcore/internal/uidallocator"
)

func main() {
	logger, err := logging.New("uid-allocator", config.Env("DEV", "") != "")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	knobs := config.FromEnv()

	pgCfg := graphstore.DefaultPostgresConfig(config.Env("POSTGRES_DSN", "postgres://localhost:5432/graphcore"))
	pgCfg.MaxOpenConns = knobs.StorePoolSize
	store, err := graphstore.NewPostgresStore(pgCfg)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer store.Close()

	alloc := uidallocator.New(store, uidallocator.Config{
		PreallocationSize:     uint64(knobs.AllocatorPreallocationSize),
		MaximumAllocationSize: uint64(knobs.AllocatorMaximumAllocation),
	}, logger)

	server := rpcserver.New("uid-allocator", logger, func(ctx context.Context) rpcserver.HealthStatus {
		return rpcserver.Serving
	})

	type createTenantRequest struct {
		Tenant graphtypes.Tenant `json:"tenant"`
	}
	type createTenantResponse struct{}

	rpcserver.Handle(server, "/v1/uid/create_tenant", 5*time.Second, func(ctx context.Context, req *createTenantRequest) (*createTenantResponse, error) {
		if err := alloc.CreateTenantKeyspace(ctx, req.Tenant); err != nil {
			return nil, err
		}
		return &createTenantResponse{}, nil
	})

	type allocateRequest struct {
		Tenant graphtypes.Tenant `json:"tenant"`
		Count  uint64            `json:"count"`
	}
	type allocateResponse struct {
		Start graphtypes.Uid `json:"start"`
		End   graphtypes.Uid `json:"end"`
	}

	rpcserver.Handle(server, "/v1/uid/allocate", 5*time.Second, func(ctx context.Context, req *allocateRequest) (*allocateResponse, error) {
		r, err := alloc.AllocateIds(ctx, req.Tenant, req.Count)
		if err != nil {
			return nil, err
		}
		return &allocateResponse{Start: r.Start, End: r.End}, nil
	})

	run(server, logger, config.Env("PORT", "9102"))
}

func run(server *rpcserver.Server, logger *zap.Logger, port string) {
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}
