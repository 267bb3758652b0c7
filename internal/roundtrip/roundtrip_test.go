// Package roundtrip exercises the full identify -> mutate -> query pipeline
// end to end, the way spec.md's testable-properties section describes:
// identifying a graph, mutating the identified result in, and querying it
// back by uid returns exactly what was written.
package roundtrip

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/secgraph/graphcore/internal/graphstore/memstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/mutationengine"
	"github.com/secgraph/graphcore/internal/nodeidentifier"
	"github.com/secgraph/graphcore/internal/queryengine"
	"github.com/secgraph/graphcore/internal/schemamanager"
	"github.com/secgraph/graphcore/internal/uidallocator"
)

const processSchema = `
node Process {
	property arn ImmStr
	property pid ImmI64
	edge children -> Process ToMany reverse parent
	edge parent -> Process ToOne reverse children
}
`

// TestIdentifyMutateQueryRoundTrip wires one of every component over a
// shared memstore, then runs a parent/child pair of static-keyed nodes
// through IdentifyGraph, Mutate, and QueryWithUid, asserting the query
// rooted at the parent's resolved uid binds the child with the properties
// just written.
func TestIdentifyMutateQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := memstore.New()
	tenant := uuid.New()

	alloc := uidallocator.New(store, uidallocator.Config{PreallocationSize: 10, MaximumAllocationSize: 1000}, logger)
	require.NoError(t, alloc.CreateTenantKeyspace(ctx, tenant))
	allocClient := uidallocator.NewCachingClient(alloc, 10)

	schema := schemamanager.NewManager(store, 16, schemamanager.DefaultCacheTTL, logger)
	require.NoError(t, schema.DeploySchema(ctx, tenant, 1, processSchema))

	identifier := nodeidentifier.New(store, store, allocClient, nil, 50*time.Millisecond, logger)
	mutator := mutationengine.New(store, store, store, schema, 4, logger)
	queryer := queryengine.New(store, store, store, schema, queryengine.DefaultConfig(), logger)

	staticNode := func(key, arn string) graphtypes.NodeDescription {
		return graphtypes.NodeDescription{
			NodeType: "Process",
			NodeKey:  key,
			Properties: map[graphtypes.PropertyName]graphtypes.PropertyValue{
				"arn": graphtypes.ImmStr(arn),
			},
			IdStrategy: graphtypes.IdStrategy{
				Kind:   graphtypes.StrategyStatic,
				Static: graphtypes.StaticStrategy{KeyPropertyNames: []graphtypes.PropertyName{"arn"}},
			},
		}
	}

	desc := graphtypes.GraphDescription{
		Nodes: []graphtypes.NodeDescription{
			staticNode("parent", "arn:aws:iam::123:role/parent"),
			staticNode("child", "arn:aws:iam::123:role/child"),
		},
		Edges: []graphtypes.Edge{
			{From: "parent", To: "child", EdgeName: "children"},
		},
	}

	identified := identifier.IdentifyGraph(ctx, tenant, desc)
	require.Len(t, identified.Nodes, 2)
	require.Len(t, identified.Edges, 1)
	for _, status := range identified.NodeStatuses {
		require.NoError(t, status.Err)
	}

	var parentUid, childUid graphtypes.Uid
	for _, status := range identified.NodeStatuses {
		switch status.NodeKey {
		case "parent":
			parentUid = status.Uid
		case "child":
			childUid = status.Uid
		}
	}
	require.True(t, parentUid.Valid())
	require.True(t, childUid.Valid())

	// Give each node a pid property on top of the identity-bearing arn, so
	// the query below has something beyond the identity key to filter on.
	for i := range identified.Nodes {
		identified.Nodes[i].Properties["pid"] = graphtypes.ImmI64(int64(100 + i))
	}

	mutateResult := mutator.Mutate(ctx, tenant, identified)
	require.True(t, mutateResult.OK())
	for _, s := range mutateResult.PropertyStatuses {
		assert.True(t, s.Applied)
		assert.False(t, s.Conflict)
	}
	require.Len(t, mutateResult.EdgeStatuses, 1)
	assert.True(t, mutateResult.EdgeStatuses[0].Applied)

	// Re-running IdentifyGraph for the same static keys must resolve to the
	// same uids: identification is idempotent independent of mutation.
	reidentified := identifier.IdentifyGraph(ctx, tenant, desc)
	for _, status := range reidentified.NodeStatuses {
		require.NoError(t, status.Err)
		switch status.NodeKey {
		case "parent":
			assert.Equal(t, parentUid, status.Uid)
		case "child":
			assert.Equal(t, childUid, status.Uid)
		}
	}

	query := graphtypes.QueryGraph{
		Root: 0,
		Nodes: map[graphtypes.QueryId]graphtypes.QueryNode{
			0: {
				QueryId:  0,
				NodeType: "Process",
				PropertyFilters: []graphtypes.PropertyFilter{
					{PropertyName: "arn", Op: graphtypes.OpEq, Value: graphtypes.ImmStr("arn:aws:iam::123:role/parent")},
				},
				EdgeFilters: []graphtypes.EdgeFilter{
					{EdgeName: "children", Dst: 1},
				},
			},
			1: {
				QueryId:  1,
				NodeType: "Process",
				PropertyFilters: []graphtypes.PropertyFilter{
					{PropertyName: "pid", Op: graphtypes.OpEq, Value: graphtypes.ImmI64(101)},
				},
			},
		},
	}

	result, err := queryer.QueryWithUid(ctx, tenant, query, parentUid)
	require.NoError(t, err)
	require.Equal(t, graphtypes.Matched, result.Status)
	assert.Equal(t, parentUid, result.Bindings[0])
	assert.Equal(t, childUid, result.Bindings[1])

	// The reverse edge the Mutation Engine installed is visible from the
	// store directly: children's parent points back at parentUid.
	neighbors, err := store.Neighbors(ctx, tenant, childUid, "parent")
	require.NoError(t, err)
	assert.Equal(t, []graphtypes.Uid{parentUid}, neighbors)
}
