// Query Engine service entry point.
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
	"github.com/secgraph/graphcore/internal/queryengine"
	"github.com/secgraph/graphcore/internal/rpcserver"
	"github.com/secgraph/graphcore/internal/schemamanager"
)

func main() {
	logger, err := logging.New("query-engine", graphcoreconfig.Env("DEV", "") != "")
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

	pgCfg := graphstore.DefaultPostgresConfig(graphcoreconfig.Env("POSTGRES_DSN", "postgres://localhost:5432/graphcore"))
	pgCfg.MaxOpenConns = knobs.StorePoolSize
	schemaStore, err := graphstore.NewPostgresStore(pgCfg)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer schemaStore.Close()

	schema := schemamanager.NewManager(schemaStore, knobs.IdentifierCacheCapacity, schemamanager.DefaultCacheTTL, logger)

	engine := queryengine.New(store, store, store, schema, queryengine.Config{
		MaxDepth:     knobs.QueryMaxDepth,
		MaxReads:     knobs.QueryMaxReads,
		MaxEdgeScans: knobs.QueryMaxReads,
		Deadline:     knobs.QueryDeadlineDefault,
	}, logger)

	server := rpcserver.New("query-engine", logger, func(ctx context.Context) rpcserver.HealthStatus {
		return rpcserver.Serving
	})

	type queryRequest struct {
		Tenant   graphtypes.Tenant    `json:"tenant"`
		Query    graphtypes.QueryGraph `json:"query"`
		RootUid  graphtypes.Uid       `json:"root_uid"`
	}

	rpcserver.Handle(server, "/v1/query/with_uid", knobs.QueryDeadlineDefault, func(ctx context.Context, req *queryRequest) (*graphtypes.MatchResult, error) {
		result, err := engine.QueryWithUid(ctx, req.Tenant, req.Query, req.RootUid)
		if err != nil {
			return nil, err
		}
		return &result, nil
	})

	run(server, logger, graphcoreconfig.Env("PORT", "9105"))
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
