// Node Identifier service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	graphcoreconfig "github.com/secgraph/graphcore/internal/config"
	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/logging"
	"github.com/secgraph/graphcore/internal/nodeidentifier"
	"github.com/secgraph/graphcore/internal/rpcclient"
	"github.com/secgraph/graphcore/internal/rpcserver"
	"github.com/secgraph/graphcore/internal/uidallocator"
)

// remoteAllocator calls the standalone uid-allocator service over
// rpcclient, satisfying uidallocator.RemoteAllocator.
type remoteAllocator struct {
	client *rpcclient.Client
}

type allocateRequest struct {
	Tenant graphtypes.Tenant `json:"tenant"`
	Count  uint64            `json:"count"`
}

type allocateResponse struct {
	Start graphtypes.Uid `json:"start"`
	End   graphtypes.Uid `json:"end"`
}

func (r *remoteAllocator) AllocateIds(ctx context.Context, tenant graphtypes.Tenant, count uint64) (uidallocator.Range, error) {
	resp, err := rpcclient.Call[allocateRequest, allocateResponse](ctx, r.client, "/v1/uid/allocate", &allocateRequest{Tenant: tenant, Count: count})
	if err != nil {
		return uidallocator.Range{}, err
	}
	return uidallocator.Range{Start: resp.Start, End: resp.End}, nil
}

func main() {
	logger, err := logging.New("node-identifier", graphcoreconfig.Env("DEV", "") != "")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	knobs := graphcoreconfig.FromEnv()
	ctx := context.Background()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("load aws config", zap.Error(err))
	}
	store := graphstore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), graphcoreconfig.Env("DYNAMO_TABLE", "graphcore"), logger)

	var redisClient *redis.Client
	if addr := graphcoreconfig.Env("REDIS_ADDR", ""); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, continuing with L1-only identity cache", zap.Error(err))
			redisClient = nil
		}
	}

	cache, err := nodeidentifier.NewIdentityCache(int64(knobs.IdentifierCacheCapacity), schemaCacheTTL, redisClient, logger)
	if err != nil {
		logger.Fatal("build identity cache", zap.Error(err))
	}

	allocatorClient := rpcclient.New(rpcclient.DefaultConfig(graphcoreconfig.Env("UID_ALLOCATOR_URL", "http://localhost:9102")), logger)
	allocator := uidallocator.NewCachingClient(&remoteAllocator{client: allocatorClient}, uint64(knobs.AllocatorPreallocationSize))

	identifier := nodeidentifier.New(store, store, allocator, cache, knobs.IdentifierSessionTolerance, logger)

	server := rpcserver.New("node-identifier", logger, func(ctx context.Context) rpcserver.HealthStatus {
		return rpcserver.Serving
	})

	type identifyRequest struct {
		Tenant      graphtypes.Tenant          `json:"tenant"`
		Description graphtypes.GraphDescription `json:"description"`
	}

	rpcserver.Handle(server, "/v1/identity/identify_graph", 10*time.Second, func(ctx context.Context, req *identifyRequest) (*graphtypes.IdentifiedGraph, error) {
		result := identifier.IdentifyGraph(ctx, req.Tenant, req.Description)
		return &result, nil
	})

	run(server, logger, graphcoreconfig.Env("PORT", "9103"))
}

// schemaCacheTTL bounds how long a resolved identity sits in the process
// identity cache before a fresh store lookup is forced.
const schemaCacheTTL = 30 * time.Second

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
