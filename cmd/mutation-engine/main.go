// Mutation Engine service entry point.
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
	"go.uber.org/zap"

	graphcoreconfig "github.com/secgraph/graphcore/internal/config"
	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/logging"
	"github.com/secgraph/graphcore/internal/mutationengine"
	"github.com/secgraph/graphcore/internal/rpcserver"
	"github.com/secgraph/graphcore/internal/schemamanager"
)

func main() {
	logger, err := logging.New("mutation-engine", graphcoreconfig.Env("DEV", "") != "")
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
	edgeStore := graphstore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), graphcoreconfig.Env("DYNAMO_TABLE", "graphcore"), logger)

	pgCfg := graphstore.DefaultPostgresConfig(graphcoreconfig.Env("POSTGRES_DSN", "postgres://localhost:5432/graphcore"))
	pgCfg.MaxOpenConns = knobs.StorePoolSize
	schemaStore, err := graphstore.NewPostgresStore(pgCfg)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer schemaStore.Close()

	// Every service that needs schema lookups embeds its own
	// bounded-staleness cache in front of the shared Postgres schema store,
	// rather than round-tripping through the Schema Manager's RPC surface
	// on every property/edge write.
	schema := schemamanager.NewManager(schemaStore, knobs.IdentifierCacheCapacity, schemamanager.DefaultCacheTTL, logger)

	engine := mutationengine.New(edgeStore, edgeStore, edgeStore, schema, knobs.MutationMaxConcurrency, logger)

	server := rpcserver.New("mutation-engine", logger, func(ctx context.Context) rpcserver.HealthStatus {
		return rpcserver.Serving
	})

	type mutateRequest struct {
		Tenant graphtypes.Tenant        `json:"tenant"`
		Graph  graphtypes.IdentifiedGraph `json:"graph"`
	}

	rpcserver.Handle(server, "/v1/mutation/mutate", 15*time.Second, func(ctx context.Context, req *mutateRequest) (*graphtypes.MutateResult, error) {
		result := engine.Mutate(ctx, req.Tenant, req.Graph)
		return &result, nil
	})

	run(server, logger, graphcoreconfig.Env("PORT", "9104"))
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
