package uidallocator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/secgraph/graphcore/internal/graphstore/memstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
)

func TestAllocateIdsMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	alloc := New(store, Config{PreallocationSize: 100, MaximumAllocationSize: 1000}, zaptest.NewLogger(t))

	require.NoError(t, alloc.CreateTenantKeyspace(ctx, tenant))

	r1, err := alloc.AllocateIds(ctx, tenant, 3)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 1, End: 4}, r1)

	r2, err := alloc.AllocateIds(ctx, tenant, 2)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 4, End: 6}, r2)
}

func TestAllocateIdsClampsToMaximum(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	alloc := New(store, Config{PreallocationSize: 10, MaximumAllocationSize: 5}, zaptest.NewLogger(t))
	require.NoError(t, alloc.CreateTenantKeyspace(ctx, tenant))

	r, err := alloc.AllocateIds(ctx, tenant, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), uint64(r.End-r.Start))
}

func TestAllocateIdsUnknownTenant(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	alloc := New(store, Config{PreallocationSize: 10, MaximumAllocationSize: 10}, zaptest.NewLogger(t))

	_, err := alloc.AllocateIds(ctx, uuid.New(), 1)
	assert.Error(t, err)
}

func TestAllocateIdsRefillsAcrossChunkBoundary(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	alloc := New(store, Config{PreallocationSize: 4, MaximumAllocationSize: 100}, zaptest.NewLogger(t))
	require.NoError(t, alloc.CreateTenantKeyspace(ctx, tenant))

	r1, err := alloc.AllocateIds(ctx, tenant, 3)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 1, End: 4}, r1)

	// Chunk has one id left (4); requesting 3 forces a refill.
	r2, err := alloc.AllocateIds(ctx, tenant, 3)
	require.NoError(t, err)
	assert.Equal(t, graphtypes.Uid(r1.End), r2.Start)
	assert.True(t, r2.End > r2.Start)
}

func TestAllocateIdsConcurrentTenantsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	alloc := New(store, Config{PreallocationSize: 1000, MaximumAllocationSize: 1000}, zaptest.NewLogger(t))

	tenants := make([]uuid.UUID, 8)
	for i := range tenants {
		tenants[i] = uuid.New()
		require.NoError(t, alloc.CreateTenantKeyspace(ctx, tenants[i]))
	}

	var wg sync.WaitGroup
	for _, tenant := range tenants {
		tenant := tenant
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := alloc.AllocateIds(ctx, tenant, 5)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestCachingAllocatorClientHandsOutDistinctUids(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenant := uuid.New()
	alloc := New(store, Config{PreallocationSize: 100, MaximumAllocationSize: 1000}, zaptest.NewLogger(t))
	require.NoError(t, alloc.CreateTenantKeyspace(ctx, tenant))

	client := NewCachingClient(alloc, 4)
	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		uid, err := client.AllocateOne(ctx, tenant)
		require.NoError(t, err)
		assert.False(t, seen[uint64(uid)], "uid %d issued twice", uid)
		seen[uint64(uid)] = true
	}
}
