package queryengine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/secgraph/graphcore/internal/graphstore/memstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
)

func chainOfProcesses(t *testing.T, n int) (*memstore.Store, graphtypes.Tenant) {
	t.Helper()
	store := memstore.New()
	tenant := uuid.New()
	ctx := context.Background()

	for uid := 1; uid <= n; uid++ {
		require.NoError(t, store.PutNodeType(ctx, tenant, graphtypes.Uid(uid), "Process"))
		_, _, err := store.WriteProperty(ctx, tenant, "Process", graphtypes.Uid(uid), "kind", graphtypes.ImmStr("proc"))
		require.NoError(t, err)
		if uid < n {
			_, _, err := store.WriteEdge(ctx, tenant, graphtypes.Uid(uid), "next", graphtypes.Uid(uid+1), graphtypes.ToOne)
			require.NoError(t, err)
		}
	}
	return store, tenant
}

// chainQuery builds a query graph of depth links of "next" edges, each
// requiring node_type Process and kind=proc.
func chainQuery(links int) graphtypes.QueryGraph {
	nodes := make(map[graphtypes.QueryId]graphtypes.QueryNode, links+1)
	for i := 0; i <= links; i++ {
		qn := graphtypes.QueryNode{
			QueryId:  graphtypes.QueryId(i),
			NodeType: "Process",
			PropertyFilters: []graphtypes.PropertyFilter{
				{PropertyName: "kind", Op: graphtypes.OpEq, Value: graphtypes.ImmStr("proc")},
			},
		}
		if i < links {
			qn.EdgeFilters = []graphtypes.EdgeFilter{{EdgeName: "next", Dst: graphtypes.QueryId(i + 1)}}
		}
		nodes[graphtypes.QueryId(i)] = qn
	}
	return graphtypes.QueryGraph{Nodes: nodes, Root: 0}
}

// S6: a chain of 5 next edges starting at uid 1 matches uids 1..6.
func TestQueryWithUidMatchesChain(t *testing.T) {
	store, tenant := chainOfProcesses(t, 100)
	eng := New(store, store, store, nil, DefaultConfig(), zaptest.NewLogger(t))

	result, err := eng.QueryWithUid(context.Background(), tenant, chainQuery(5), 1)
	require.NoError(t, err)
	require.Equal(t, graphtypes.Matched, result.Status)

	for i := 0; i <= 5; i++ {
		assert.Equal(t, graphtypes.Uid(i+1), result.Bindings[graphtypes.QueryId(i)])
	}
}

// A chain query longer than the store's actual chain has no match.
func TestQueryWithUidNoMatchWhenChainTooShort(t *testing.T) {
	store, tenant := chainOfProcesses(t, 3)
	eng := New(store, store, store, nil, DefaultConfig(), zaptest.NewLogger(t))

	result, err := eng.QueryWithUid(context.Background(), tenant, chainQuery(5), 1)
	require.NoError(t, err)
	assert.Equal(t, graphtypes.NoMatch, result.Status)
}

// A type mismatch at the root fails immediately without touching the store
// further.
func TestQueryWithUidRootTypeMismatch(t *testing.T) {
	store, tenant := chainOfProcesses(t, 3)
	eng := New(store, store, store, nil, DefaultConfig(), zaptest.NewLogger(t))

	query := graphtypes.QueryGraph{
		Nodes: map[graphtypes.QueryId]graphtypes.QueryNode{
			0: {QueryId: 0, NodeType: "File"},
		},
		Root: 0,
	}

	result, err := eng.QueryWithUid(context.Background(), tenant, query, 1)
	require.NoError(t, err)
	assert.Equal(t, graphtypes.NoMatch, result.Status)
}

// Exceeding max_depth yields QueryBounded, not NoMatch.
func TestQueryWithUidBoundedByDepth(t *testing.T) {
	store, tenant := chainOfProcesses(t, 100)
	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	eng := New(store, store, store, nil, cfg, zaptest.NewLogger(t))

	result, err := eng.QueryWithUid(context.Background(), tenant, chainQuery(5), 1)
	require.NoError(t, err)
	assert.Equal(t, graphtypes.Bounded, result.Status)
}
