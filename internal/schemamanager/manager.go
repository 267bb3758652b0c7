// Package schemamanager is the source of truth for each tenant's graph
// schema: it parses and validates schema documents, persists them
// version-gated through graphstore.SchemaStore, and serves lookups from a
// bounded-staleness in-process cache.
package schemamanager

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// Manager implements DeploySchema/GetEdgeSchema/GetNodeSchema against a
// graphstore.SchemaStore, fronted by a TTL-bounded cache so hot-path lookups
// (the Mutation and Query engines, on every property/edge write and read)
// don't round-trip to Postgres.
type Manager struct {
	store  graphstore.SchemaStore
	cache  *expirable.LRU[graphtypes.Tenant, *graphtypes.Schema]
	logger *zap.Logger
}

// DefaultCacheTTL matches the "bounded staleness" cache described for the
// schema cache.
const DefaultCacheTTL = 30 * time.Second

// NewManager returns a Manager backed by store, caching up to capacity
// tenants' schemas for ttl.
func NewManager(store graphstore.SchemaStore, capacity int, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		cache:  expirable.NewLRU[graphtypes.Tenant, *graphtypes.Schema](capacity, nil, ttl),
		logger: logger.Named("schemamanager"),
	}
}

// DeploySchema parses document, validates reverse-edge mutual consistency,
// and persists it gated on version being strictly greater than any
// previously deployed version for the tenant.
func (m *Manager) DeploySchema(ctx context.Context, tenant graphtypes.Tenant, version uint64, document string) error {
	schema, err := ParseDocument(version, document)
	if err != nil {
		return err
	}
	if err := ValidateReverseConsistency(schema); err != nil {
		return err
	}
	if err := m.store.PutSchema(ctx, tenant, version, document); err != nil {
		return err
	}
	m.cache.Add(tenant, schema)
	m.logger.Info("schema deployed", zap.String("tenant", tenant.String()), zap.Uint64("version", version))
	return nil
}

// GetNodeSchema returns the declared property map for (tenant, nodeType).
func (m *Manager) GetNodeSchema(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType) (map[graphtypes.PropertyName]graphtypes.PropertyKind, error) {
	schema, err := m.schemaFor(ctx, tenant)
	if err != nil {
		return nil, err
	}
	ns, ok := schema.Nodes[nodeType]
	if !ok {
		return nil, rpcerrors.New(rpcerrors.InvalidArgument, "unknown node_type "+string(nodeType))
	}
	return ns.Properties, nil
}

// GetEdgeSchema returns the declared forward-edge schema for (tenant,
// nodeType, edgeName).
func (m *Manager) GetEdgeSchema(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, edgeName graphtypes.EdgeName) (graphtypes.EdgeSchema, error) {
	schema, err := m.schemaFor(ctx, tenant)
	if err != nil {
		return graphtypes.EdgeSchema{}, err
	}
	es, ok := schema.EdgeSchema(nodeType, edgeName)
	if !ok {
		return graphtypes.EdgeSchema{}, rpcerrors.New(rpcerrors.InvalidArgument, "unknown edge "+string(edgeName)+" on "+string(nodeType))
	}
	return es, nil
}

// PropertyKind returns the declared PropertyKind for (tenant, nodeType,
// property), used by the Mutation Engine's property write protocol.
func (m *Manager) PropertyKind(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, prop graphtypes.PropertyName) (graphtypes.PropertyKind, error) {
	schema, err := m.schemaFor(ctx, tenant)
	if err != nil {
		return 0, err
	}
	kind, ok := schema.PropertyKind(nodeType, prop)
	if !ok {
		return 0, rpcerrors.New(rpcerrors.InvalidArgument, "unknown property "+string(prop)+" on "+string(nodeType))
	}
	return kind, nil
}

func (m *Manager) schemaFor(ctx context.Context, tenant graphtypes.Tenant) (*graphtypes.Schema, error) {
	if schema, ok := m.cache.Get(tenant); ok {
		return schema, nil
	}

	document, version, err := m.store.GetSchemaDocument(ctx, tenant)
	if err != nil {
		return nil, err
	}
	schema, err := ParseDocument(version, document)
	if err != nil {
		return nil, err
	}
	m.cache.Add(tenant, schema)
	return schema, nil
}
