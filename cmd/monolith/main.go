// Monolith entry point: every core service (Schema Manager, UID Allocator,
// Node Identifier, Mutation Engine, Query Engine) mounted on one router over
// one in-memory store, the way cmd/monolith unified the kernel and agent
// behind a single mux.Router and a zero-copy in-process bridge instead of
// HTTP hops between them.
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
	"github.com/secgraph/graphcore/internal/graphstore/memstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/logging"
	"github.com/secgraph/graphcore/internal/mutationengine"
	"github.com/secgraph/graphcore/internal/nodeidentifier"
	"github.com/secgraph/graphcore/internal/queryengine"
	"github.com/secgraph/graphcore/internal/rpcserver"
	"github.com/secgraph/graphcore/internal/schemamanager"
	"github.com/secgraph/graphcore/internal/uidallocator"
)

func main() {
	logger, err := logging.New("monolith", config.Env("DEV", "") != "")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	knobs := config.FromEnv()

	// A single in-memory store stands in for the production Postgres +
	// DynamoDB split: every component talks to it directly, in-process,
	// with no RPC hop between them -- the single-binary deployment this
	// package exists for.
	store := memstore.New()

	alloc := uidallocator.New(store, uidallocator.Config{
		PreallocationSize:     uint64(knobs.AllocatorPreallocationSize),
		MaximumAllocationSize: uint64(knobs.AllocatorMaximumAllocation),
	}, logger)
	allocClient := uidallocator.NewCachingClient(alloc, uint64(knobs.AllocatorPreallocationSize))

	schema := schemamanager.NewManager(store, knobs.IdentifierCacheCapacity, schemamanager.DefaultCacheTTL, logger)

	identityCache, err := nodeidentifier.NewIdentityCache(int64(knobs.IdentifierCacheCapacity), 30*time.Second, nil, logger)
	if err != nil {
		logger.Fatal("build identity cache", zap.Error(err))
	}
	identifier := nodeidentifier.New(store, store, allocClient, identityCache, knobs.IdentifierSessionTolerance, logger)

	mutator := mutationengine.New(store, store, store, schema, knobs.MutationMaxConcurrency, logger)

	queryer := queryengine.New(store, store, store, schema, queryengine.Config{
		MaxDepth:     knobs.QueryMaxDepth,
		MaxReads:     knobs.QueryMaxReads,
		MaxEdgeScans: knobs.QueryMaxReads,
		Deadline:     knobs.QueryDeadlineDefault,
	}, logger)

	server := rpcserver.New("monolith", logger, func(ctx context.Context) rpcserver.HealthStatus {
		return rpcserver.Serving
	})

	type createKeyspaceRequest struct {
		Tenant graphtypes.Tenant `json:"tenant"`
	}
	type createKeyspaceResponse struct{}
	rpcserver.Handle(server, "/v1/uid/create_tenant", 5*time.Second, func(ctx context.Context, req *createKeyspaceRequest) (*createKeyspaceResponse, error) {
		if err := alloc.CreateTenantKeyspace(ctx, req.Tenant); err != nil {
			return nil, err
		}
		return &createKeyspaceResponse{}, nil
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

	type deployRequest struct {
		Tenant   graphtypes.Tenant `json:"tenant"`
		Version  uint64            `json:"version"`
		Document string            `json:"document"`
	}
	type deployResponse struct{}
	rpcserver.Handle(server, "/v1/schema/deploy", 5*time.Second, func(ctx context.Context, req *deployRequest) (*deployResponse, error) {
		if err := schema.DeploySchema(ctx, req.Tenant, req.Version, req.Document); err != nil {
			return nil, err
		}
		return &deployResponse{}, nil
	})

	type edgeSchemaRequest struct {
		Tenant   graphtypes.Tenant   `json:"tenant"`
		NodeType graphtypes.NodeType `json:"node_type"`
		EdgeName graphtypes.EdgeName `json:"edge_name"`
	}
	rpcserver.Handle(server, "/v1/schema/edge", 5*time.Second, func(ctx context.Context, req *edgeSchemaRequest) (*graphtypes.EdgeSchema, error) {
		es, err := schema.GetEdgeSchema(ctx, req.Tenant, req.NodeType, req.EdgeName)
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
		props, err := schema.GetNodeSchema(ctx, req.Tenant, req.NodeType)
		if err != nil {
			return nil, err
		}
		return &nodeSchemaResponse{Properties: props}, nil
	})

	type propertyKindRequest struct {
		Tenant   graphtypes.Tenant       `json:"tenant"`
		NodeType graphtypes.NodeType     `json:"node_type"`
		Property graphtypes.PropertyName `json:"property"`
	}
	type propertyKindResponse struct {
		Kind graphtypes.PropertyKind `json:"kind"`
	}
	rpcserver.Handle(server, "/v1/schema/property_kind", 5*time.Second, func(ctx context.Context, req *propertyKindRequest) (*propertyKindResponse, error) {
		kind, err := schema.PropertyKind(ctx, req.Tenant, req.NodeType, req.Property)
		if err != nil {
			return nil, err
		}
		return &propertyKindResponse{Kind: kind}, nil
	})

	type identifyRequest struct {
		Tenant      graphtypes.Tenant           `json:"tenant"`
		Description graphtypes.GraphDescription `json:"description"`
	}
	rpcserver.Handle(server, "/v1/identity/identify_graph", 10*time.Second, func(ctx context.Context, req *identifyRequest) (*graphtypes.IdentifiedGraph, error) {
		result := identifier.IdentifyGraph(ctx, req.Tenant, req.Description)
		return &result, nil
	})

	type mutateRequest struct {
		Tenant graphtypes.Tenant          `json:"tenant"`
		Graph  graphtypes.IdentifiedGraph `json:"graph"`
	}
	rpcserver.Handle(server, "/v1/mutation/mutate", 15*time.Second, func(ctx context.Context, req *mutateRequest) (*graphtypes.MutateResult, error) {
		result := mutator.Mutate(ctx, req.Tenant, req.Graph)
		return &result, nil
	})

	type queryRequest struct {
		Tenant  graphtypes.Tenant     `json:"tenant"`
		Query   graphtypes.QueryGraph `json:"query"`
		RootUid graphtypes.Uid        `json:"root_uid"`
	}
	rpcserver.Handle(server, "/v1/query/with_uid", knobs.QueryDeadlineDefault, func(ctx context.Context, req *queryRequest) (*graphtypes.MatchResult, error) {
		result, err := queryer.QueryWithUid(ctx, req.Tenant, req.Query, req.RootUid)
		if err != nil {
			return nil, err
		}
		return &result, nil
	})

	run(server, logger, config.Env("PORT", "9100"))
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
