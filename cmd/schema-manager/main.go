// Schema Manager service entry point.
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
	"github.com/secgraph/graphcore/internal/schemamanager"
)

func main() {
	logger, err := logging.New("schema-manager", config.Env("DEV", "") != "")
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

	mgr := schemamanager.NewManager(store, knobs.IdentifierCacheCapacity, schemamanager.DefaultCacheTTL, logger)

	server := rpcserver.New("schema-manager", logger, func(ctx context.Context) rpcserver.HealthStatus {
		return rpcserver.Serving
	})

	type deployRequest struct {
		Tenant   graphtypes.Tenant `json:"tenant"`
		Version  uint64            `json:"version"`
		Document string            `json:"document"`
	}
	type deployResponse struct{}

	rpcserver.Handle(server, "/v1/schema/deploy", 5*time.Second, func(ctx context.Context, req *deployRequest) (*deployResponse, error) {
		if err := mgr.DeploySchema(ctx, req.Tenant, req.Version, req.Document); err != nil {
			return nil, err
		}
		return &deployResponse{}, nil
	})

	type edgeSchemaRequest struct {
		Tenant   graphtypes.Tenant    `json:"tenant"`
		NodeType graphtypes.NodeType  `json:"node_type"`
		EdgeName graphtypes.EdgeName  `json:"edge_name"`
	}

	rpcserver.Handle(server, "/v1/schema/edge", 5*time.Second, func(ctx context.Context, req *edgeSchemaRequest) (*graphtypes.EdgeSchema, error) {
		es, err := mgr.GetEdgeSchema(ctx, req.Tenant, req.NodeType, req.EdgeName)
		if err != nil {
			return nil, err
		}
		return &es, nil
	})

	type nodeSchemaRequest struct {
		Tenant   graphtypes.Tenant   `json:"tenant"`
		NodeType graphtypes.NodeType `json:"node_type"`
	}
	type nodeSchemaResponse struct {
		Properties map[graphtypes.PropertyName]graphtypes.PropertyKind `json:"properties"`
	}

	rpcserver.Handle(server, "/v1/schema/node", 5*time.Second, func(ctx context.Context, req *nodeSchemaRequest) (*nodeSchemaResponse, error) {
		props, err := mgr.GetNodeSchema(ctx, req.Tenant, req.NodeType)
		if err != nil {
			return nil, err
		}
		return &nodeSchemaResponse{Properties: props}, nil
	})

	type propertyKindRequest struct {
		Tenant   graphtypes.Tenant      `json:"tenant"`
		NodeType graphtypes.NodeType    `json:"node_type"`
		Property graphtypes.PropertyName `json:"property"`
	}
	type propertyKindResponse struct {
		Kind graphtypes.PropertyKind `json:"kind"`
	}

	rpcserver.Handle(server, "/v1/schema/property_kind", 5*time.Second, func(ctx context.Context, req *propertyKindRequest) (*propertyKindResponse, error) {
		kind, err := mgr.PropertyKind(ctx, req.Tenant, req.NodeType, req.Property)
		if err != nil {
			return nil, err
		}
		return &propertyKindResponse{Kind: kind}, nil
	})

	run(server, logger, config.Env("PORT", "9101"))
}

// run starts server's router over HTTP and blocks until SIGINT/SIGTERM,
// draining in-flight requests before returning.
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
