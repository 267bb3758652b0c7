package schemamanager

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
)

const processSchema = `
node Process {
  property pid ImmI64
  property score MaxI64
  edge children -> Process ToMany reverse parent
  edge parent -> Process ToOne reverse children
}
`

func TestDeploySchemaAndLookup(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	mgr := NewManager(store, 16, time.Minute, zaptest.NewLogger(t))

	require.NoError(t, mgr.DeploySchema(ctx, tenant, 1, processSchema))

	kind, err := mgr.PropertyKind(ctx, tenant, "Process", "pid")
	require.NoError(t, err)
	assert.Equal(t, graphtypes.KindImmI64, kind)

	edge, err := mgr.GetEdgeSchema(ctx, tenant, "Process", "children")
	require.NoError(t, err)
	assert.Equal(t, graphtypes.NodeType("Process"), edge.DstType)
	assert.Equal(t, graphtypes.ToMany, edge.Cardinality)
	assert.Equal(t, graphtypes.EdgeName("parent"), edge.ReverseName)
}

func TestDeploySchemaRejectsOlderVersion(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	mgr := NewManager(store, 16, time.Minute, zaptest.NewLogger(t))

	require.NoError(t, mgr.DeploySchema(ctx, tenant, 2, processSchema))
	err := mgr.DeploySchema(ctx, tenant, 1, processSchema)
	assert.Error(t, err)
}

func TestDeploySchemaRejectsDanglingReverseEdge(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	mgr := NewManager(store, 16, time.Minute, zaptest.NewLogger(t))

	broken := `
node Process {
  property pid ImmI64
  edge children -> Process ToMany reverse parent
}
node File {
  property path ImmStr
}
`
	err := mgr.DeploySchema(ctx, tenant, 1, broken)
	assert.Error(t, err)
}

func TestDeploySchemaRejectsSyntaxError(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	mgr := NewManager(store, 16, time.Minute, zaptest.NewLogger(t))

	err := mgr.DeploySchema(ctx, tenant, 1, "node {\n")
	assert.Error(t, err)
}

func TestUnknownNodeTypeAndEdge(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	mgr := NewManager(store, 16, time.Minute, zaptest.NewLogger(t))
	require.NoError(t, mgr.DeploySchema(ctx, tenant, 1, processSchema))

	_, err := mgr.GetNodeSchema(ctx, tenant, "NoSuchType")
	assert.Error(t, err)

	_, err = mgr.GetEdgeSchema(ctx, tenant, "Process", "no_such_edge")
	assert.Error(t, err)
}
