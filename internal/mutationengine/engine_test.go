package mutationengine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/secgraph/graphcore/internal/graphstore/memstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/schemamanager"
)

const processSchema = `
node Process {
	property pid ImmI64
	property score MaxI64
	edge children -> Process ToMany reverse parent
	edge parent -> Process ToOne reverse children
}
`

func newTestEngine(t *testing.T) (*Engine, *memstore.Store, *schemamanager.Manager, graphtypes.Tenant) {
	t.Helper()
	store := memstore.New()
	tenant := uuid.New()

	mgr := schemamanager.NewManager(store, 16, schemamanager.DefaultCacheTTL, zaptest.NewLogger(t))
	require.NoError(t, mgr.DeploySchema(context.Background(), tenant, 1, processSchema))

	for _, uid := range []graphtypes.Uid{1, 7, 8} {
		require.NoError(t, store.PutNodeType(context.Background(), tenant, uid, "Process"))
	}

	eng := New(store, store, store, mgr, 4, zaptest.NewLogger(t))
	return eng, store, mgr, tenant
}

// S4: reverse edge. Mutate (uid=7, children, uid=8); fetching (uid=8).parent
// returns {7}.
func TestMutateInstallsReverseEdge(t *testing.T) {
	eng, store, _, tenant := newTestEngine(t)
	ctx := context.Background()

	graph := graphtypes.IdentifiedGraph{
		Edges: []graphtypes.IdentifiedEdge{{From: 7, To: 8, EdgeName: "children"}},
	}

	result := eng.Mutate(ctx, tenant, graph)
	require.True(t, result.OK())
	require.Len(t, result.EdgeStatuses, 1)
	assert.True(t, result.EdgeStatuses[0].Applied)

	neighbors, err := store.Neighbors(ctx, tenant, 8, "parent")
	require.NoError(t, err)
	assert.Equal(t, []graphtypes.Uid{7}, neighbors)

	forward, err := store.Neighbors(ctx, tenant, 7, "children")
	require.NoError(t, err)
	assert.Equal(t, []graphtypes.Uid{8}, forward)
}

// S5: immutable conflict. Mutate (uid=1, pid=100) then (uid=1, pid=200, a
// conflicting value); final stored value is the first write, conflict is
// reported on the second.
func TestMutateImmutablePropertyConflict(t *testing.T) {
	eng, store, _, tenant := newTestEngine(t)
	ctx := context.Background()

	first := graphtypes.IdentifiedGraph{
		Nodes: []graphtypes.IdentifiedNode{{
			NodeType:   "Process",
			Uid:        1,
			Properties: map[graphtypes.PropertyName]graphtypes.PropertyValue{"pid": graphtypes.ImmI64(100)},
		}},
	}
	res1 := eng.Mutate(ctx, tenant, first)
	require.True(t, res1.OK())
	require.Len(t, res1.PropertyStatuses, 1)
	assert.True(t, res1.PropertyStatuses[0].Applied)
	assert.False(t, res1.PropertyStatuses[0].Conflict)

	second := graphtypes.IdentifiedGraph{
		Nodes: []graphtypes.IdentifiedNode{{
			NodeType:   "Process",
			Uid:        1,
			Properties: map[graphtypes.PropertyName]graphtypes.PropertyValue{"pid": graphtypes.ImmI64(200)},
		}},
	}
	res2 := eng.Mutate(ctx, tenant, second)
	require.True(t, res2.OK())
	require.Len(t, res2.PropertyStatuses, 1)
	assert.False(t, res2.PropertyStatuses[0].Applied)
	assert.True(t, res2.PropertyStatuses[0].Conflict)

	stored, found, err := store.GetProperty(ctx, tenant, "Process", 1, "pid")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, graphtypes.ImmI64(100), stored)
}

// apply(g); apply(g) == apply(g): repeated application of the same graph
// reports the same applied/conflict outcome and leaves the store unchanged.
func TestMutateIsIdempotent(t *testing.T) {
	eng, store, _, tenant := newTestEngine(t)
	ctx := context.Background()

	graph := graphtypes.IdentifiedGraph{
		Nodes: []graphtypes.IdentifiedNode{{
			NodeType:   "Process",
			Uid:        1,
			Properties: map[graphtypes.PropertyName]graphtypes.PropertyValue{"score": graphtypes.MaxI64(5)},
		}},
		Edges: []graphtypes.IdentifiedEdge{{From: 7, To: 8, EdgeName: "children"}},
	}

	res1 := eng.Mutate(ctx, tenant, graph)
	require.True(t, res1.OK())

	res2 := eng.Mutate(ctx, tenant, graph)
	require.True(t, res2.OK())

	assert.Equal(t, res1.PropertyStatuses[0].Applied, res2.PropertyStatuses[0].Applied)
	assert.Equal(t, res1.PropertyStatuses[0].Conflict, res2.PropertyStatuses[0].Conflict)

	stored, found, err := store.GetProperty(ctx, tenant, "Process", 1, "score")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, graphtypes.MaxI64(5), stored)

	neighbors, err := store.Neighbors(ctx, tenant, 7, "children")
	require.NoError(t, err)
	assert.Equal(t, []graphtypes.Uid{8}, neighbors)
}
