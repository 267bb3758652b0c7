// Package mutationengine persists an IdentifiedGraph into the store with
// per-kind property merge semantics and forward+reverse edge installation.
package mutationengine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
)

// SchemaLookup is the subset of schemamanager.Manager the engine depends on.
type SchemaLookup interface {
	PropertyKind(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, prop graphtypes.PropertyName) (graphtypes.PropertyKind, error)
	GetEdgeSchema(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, edgeName graphtypes.EdgeName) (graphtypes.EdgeSchema, error)
}

// Engine implements Mutate.
type Engine struct {
	properties    graphstore.PropertyStore
	edges         graphstore.EdgeStore
	nodeTypes     graphstore.NodeTypeStore
	schema        SchemaLookup
	maxConcurrency int
	logger        *zap.Logger
}

// New returns an Engine. maxConcurrency bounds how many property/edge writes
// from a single Mutate call run concurrently, patterned on the teacher's
// bounded ingestion batcher.
func New(properties graphstore.PropertyStore, edges graphstore.EdgeStore, nodeTypes graphstore.NodeTypeStore, schema SchemaLookup, maxConcurrency int, logger *zap.Logger) *Engine {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Engine{
		properties:     properties,
		edges:          edges,
		nodeTypes:      nodeTypes,
		schema:         schema,
		maxConcurrency: maxConcurrency,
		logger:         logger.Named("mutationengine"),
	}
}

// unit is a single property or edge write, flattened out of the
// IdentifiedGraph so both kinds share one unit type and one run helper.
// Property units and edge units go through separate run calls, each with its
// own pool of at most maxConcurrency goroutines.
type unit struct {
	writeProperty func(ctx context.Context) graphtypes.ElementStatus
	writeEdge     func(ctx context.Context) graphtypes.ElementStatus
}

// Mutate persists graph into the store. Property writes and edge writes are
// independent of each other and are dispatched across a bounded pool of
// goroutines; the caller must not assume any ordering across them.
func (e *Engine) Mutate(ctx context.Context, tenant graphtypes.Tenant, graph graphtypes.IdentifiedGraph) graphtypes.MutateResult {
	var propUnits []unit
	for _, n := range graph.Nodes {
		n := n
		for prop, value := range n.Properties {
			prop, value := prop, value
			propUnits = append(propUnits, unit{writeProperty: func(ctx context.Context) graphtypes.ElementStatus {
				return e.writeProperty(ctx, tenant, n.NodeType, n.Uid, prop, value)
			}})
		}
	}

	var edgeUnits []unit
	for _, edge := range graph.Edges {
		edge := edge
		edgeUnits = append(edgeUnits, unit{writeEdge: func(ctx context.Context) graphtypes.ElementStatus {
			return e.writeEdgeWithReverse(ctx, tenant, edge)
		}})
	}

	propStatuses := e.run(ctx, propUnits, func(u unit, ctx context.Context) graphtypes.ElementStatus { return u.writeProperty(ctx) })
	edgeStatuses := e.run(ctx, edgeUnits, func(u unit, ctx context.Context) graphtypes.ElementStatus { return u.writeEdge(ctx) })

	return graphtypes.MutateResult{PropertyStatuses: propStatuses, EdgeStatuses: edgeStatuses}
}

// run fans units out across e.maxConcurrency goroutines, preserving the
// input order in the returned slice.
func (e *Engine) run(ctx context.Context, units []unit, call func(unit, context.Context) graphtypes.ElementStatus) []graphtypes.ElementStatus {
	results := make([]graphtypes.ElementStatus, len(units))
	if len(units) == 0 {
		return results
	}

	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup
	for i, u := range units {
		i, u := i, u
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = call(u, ctx)
		}()
	}
	wg.Wait()
	return results
}

func (e *Engine) writeProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName, value graphtypes.PropertyValue) graphtypes.ElementStatus {
	desc := fmt.Sprintf("uid:%d prop:%s", uid, prop)

	kind, err := e.schema.PropertyKind(ctx, tenant, nodeType, prop)
	if err != nil {
		return graphtypes.ElementStatus{Description: desc, Err: err}
	}
	if kind != value.Kind {
		// The identified node carries a value tagged with a different merge
		// rule than the schema declares; treat as a caller error rather than
		// silently reinterpreting it.
		return graphtypes.ElementStatus{Description: desc, Err: fmt.Errorf("property %s: declared kind %v does not match value kind %v", prop, kind, value.Kind)}
	}

	applied, conflict, err := e.properties.WriteProperty(ctx, tenant, nodeType, uid, prop, value)
	if err != nil {
		return graphtypes.ElementStatus{Description: desc, Err: err}
	}
	return graphtypes.ElementStatus{Description: desc, Applied: applied, Conflict: conflict}
}

func (e *Engine) writeEdgeWithReverse(ctx context.Context, tenant graphtypes.Tenant, edge graphtypes.IdentifiedEdge) graphtypes.ElementStatus {
	desc := fmt.Sprintf("uid:%d edge:%s->%d", edge.From, edge.EdgeName, edge.To)

	fromType, ok, err := e.nodeTypes.GetNodeType(ctx, tenant, edge.From)
	if err != nil {
		return graphtypes.ElementStatus{Description: desc, Err: err}
	}
	if !ok {
		return graphtypes.ElementStatus{Description: desc, Err: fmt.Errorf("edge %s: source uid %d has no recorded node_type", edge.EdgeName, edge.From)}
	}

	es, err := e.schema.GetEdgeSchema(ctx, tenant, fromType, edge.EdgeName)
	if err != nil {
		return graphtypes.ElementStatus{Description: desc, Err: err}
	}

	_, forwardConflict, err := e.edges.WriteEdge(ctx, tenant, edge.From, edge.EdgeName, edge.To, es.Cardinality)
	if err != nil {
		return graphtypes.ElementStatus{Description: desc, Err: err}
	}

	// Forward and reverse are written as two rows in a wide-column store
	// without cross-row atomicity; a background reconciler is responsible
	// for repairing a reverse edge left missing by a crash between these
	// two calls.
	_, reverseConflict, err := e.edges.WriteEdge(ctx, tenant, edge.To, es.ReverseName, edge.From, es.ReverseCardinality)
	if err != nil {
		return graphtypes.ElementStatus{Description: desc, Err: err}
	}

	return graphtypes.ElementStatus{Description: desc, Applied: true, Conflict: forwardConflict || reverseConflict}
}
