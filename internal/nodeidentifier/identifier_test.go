package nodeidentifier

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
	"github.com/secgraph/graphcore/internal/uidallocator"
)

func newTestIdentifier(t *testing.T) (*Identifier, *memstore.Store, graphtypes.Tenant) {
	t.Helper()
	store := memstore.New()
	tenant := uuid.New()

	alloc := uidallocator.New(store, uidallocator.Config{PreallocationSize: 100, MaximumAllocationSize: 1000}, zaptest.NewLogger(t))
	require.NoError(t, alloc.CreateTenantKeyspace(context.Background(), tenant))
	client := uidallocator.NewCachingClient(alloc, 10)

	id := New(store, store, client, nil, 50*time.Millisecond, zaptest.NewLogger(t))
	return id, store, tenant
}

func ts(v uint64) *uint64 { return &v }

func staticNode(nodeType graphtypes.NodeType, key string, arn string) graphtypes.NodeDescription {
	return graphtypes.NodeDescription{
		NodeType: nodeType,
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

// S2: identifying the same static key twice returns the same uid.
func TestIdentifyStaticIsIdempotent(t *testing.T) {
	id, _, tenant := newTestIdentifier(t)
	ctx := context.Background()

	nd := staticNode("Role", "n1", "arn:aws:iam::123:role/admin")

	uid1, err := id.identifyNode(ctx, tenant, nd)
	require.NoError(t, err)
	assert.True(t, uid1.Valid())

	uid2, err := id.identifyNode(ctx, tenant, nd)
	require.NoError(t, err)
	assert.Equal(t, uid1, uid2)
}

// Two distinct static keys resolve to distinct uids.
func TestIdentifyStaticDistinctKeys(t *testing.T) {
	id, _, tenant := newTestIdentifier(t)
	ctx := context.Background()

	u1, err := id.identifyNode(ctx, tenant, staticNode("Role", "n1", "arn:aws:iam::123:role/a"))
	require.NoError(t, err)
	u2, err := id.identifyNode(ctx, tenant, staticNode("Role", "n2", "arn:aws:iam::123:role/b"))
	require.NoError(t, err)
	assert.NotEqual(t, u1, u2)
}

func sessionNode(pseudoKey []graphtypes.PropertyName, ip string, strategy graphtypes.SessionStrategy) graphtypes.NodeDescription {
	strategy.PseudoKey = pseudoKey
	return graphtypes.NodeDescription{
		NodeType: "Session",
		NodeKey:  "s",
		Properties: map[graphtypes.PropertyName]graphtypes.PropertyValue{
			"source_ip": graphtypes.ImmStr(ip),
		},
		IdStrategy: graphtypes.IdStrategy{
			Kind:    graphtypes.StrategySession,
			Session: strategy,
		},
	}
}

// S3: three events -- creation at 900, a midpoint observation at 1000, and a
// termination at 1100 -- converge onto a single canonical session row.
func TestIdentifySessionMergesAcrossEvents(t *testing.T) {
	id, store, tenant := newTestIdentifier(t)
	ctx := context.Background()

	pseudoKey := []graphtypes.PropertyName{"source_ip"}

	eventA := sessionNode(pseudoKey, "10.0.0.1", graphtypes.SessionStrategy{CreatedTs: ts(900), LastSeenTs: 900})
	uidA, err := id.identifyNode(ctx, tenant, eventA)
	require.NoError(t, err)

	eventB := sessionNode(pseudoKey, "10.0.0.1", graphtypes.SessionStrategy{LastSeenTs: 1000})
	uidB, err := id.identifyNode(ctx, tenant, eventB)
	require.NoError(t, err)
	assert.Equal(t, uidA, uidB)

	eventC := sessionNode(pseudoKey, "10.0.0.1", graphtypes.SessionStrategy{TerminatedTs: ts(1100), LastSeenTs: 1100})
	uidC, err := id.identifyNode(ctx, tenant, eventC)
	require.NoError(t, err)
	assert.Equal(t, uidA, uidC)

	hash, err := hashKeyValues("Session", pseudoKey, eventA.Properties)
	require.NoError(t, err)
	rows, err := store.CandidateSessions(ctx, tenant, "Session", hash)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, uint64(900), row.CreatedTs)
	assert.Equal(t, uint64(1100), row.LastSeenTs)
	assert.Equal(t, uint64(1100), row.TerminatedTs)
	assert.True(t, row.IsCreateCanon)
	assert.True(t, row.IsEndCanon)
}

// Two independent sessions outside each other's tolerance window stay
// separate rows.
func TestIdentifySessionDistinctWindowsStaySeparate(t *testing.T) {
	id, _, tenant := newTestIdentifier(t)
	ctx := context.Background()
	pseudoKey := []graphtypes.PropertyName{"source_ip"}

	e1 := sessionNode(pseudoKey, "10.0.0.2", graphtypes.SessionStrategy{CreatedTs: ts(0), LastSeenTs: 0})
	u1, err := id.identifyNode(ctx, tenant, e1)
	require.NoError(t, err)

	// Terminate the first session at 1000 so its window is [0, 1000]; an
	// unterminated session is open-ended and would absorb the later event.
	e1End := sessionNode(pseudoKey, "10.0.0.2", graphtypes.SessionStrategy{TerminatedTs: ts(1_000), LastSeenTs: 1_000})
	u1End, err := id.identifyNode(ctx, tenant, e1End)
	require.NoError(t, err)
	require.Equal(t, u1, u1End)

	e2 := sessionNode(pseudoKey, "10.0.0.2", graphtypes.SessionStrategy{CreatedTs: ts(100_000_000), LastSeenTs: 100_000_000})
	u2, err := id.identifyNode(ctx, tenant, e2)
	require.NoError(t, err)

	assert.NotEqual(t, u1, u2)
}

func TestIdentifyGraphDropsEdgesWithFailedEndpoints(t *testing.T) {
	id, _, tenant := newTestIdentifier(t)
	ctx := context.Background()

	good := staticNode("Role", "good", "arn:aws:iam::1:role/x")
	bad := graphtypes.NodeDescription{NodeType: "Role", NodeKey: "bad"} // no key properties set

	desc := graphtypes.GraphDescription{
		Nodes: []graphtypes.NodeDescription{good, bad},
		Edges: []graphtypes.Edge{{From: "good", To: "bad", EdgeName: "assumes"}},
	}

	result := id.IdentifyGraph(ctx, tenant, desc)
	assert.Len(t, result.Nodes, 1)
	assert.Empty(t, result.Edges)
	require.Len(t, result.NodeStatuses, 2)
}
