// Package uidallocator issues monotonic, per-tenant 64-bit UIDs backed by a
// durable Postgres counter, pre-reserving chunks in memory so most
// allocations never round-trip to the store.
package uidallocator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// Config controls preallocation behavior.
type Config struct {
	// PreallocationSize is the chunk pulled from the store per refill.
	PreallocationSize uint64
	// MaximumAllocationSize clamps any single AllocateIds request.
	MaximumAllocationSize uint64
}

// Range is a half-open UID range [Start, End) reserved exclusively for the
// caller.
type Range struct {
	Start graphtypes.Uid
	End   graphtypes.Uid
}

// chunk is the in-memory remainder of a store-reserved range, not yet
// handed out to any caller. If the process restarts, an unexhausted chunk
// is simply abandoned -- this costs monotonic holes, not correctness.
type chunk struct {
	next uint64
	end  uint64
}

// Allocator serves AllocateIds/CreateTenantKeyspace, backed by store and
// pre-reserving Config.PreallocationSize ids per tenant.
type Allocator struct {
	store  graphstore.CounterStore
	cfg    Config
	logger *zap.Logger

	tenantLocks sync.Map // graphtypes.Tenant -> *sync.Mutex
	chunks      sync.Map // graphtypes.Tenant -> *chunk
}

// New returns an Allocator backed by store.
func New(store graphstore.CounterStore, cfg Config, logger *zap.Logger) *Allocator {
	return &Allocator{store: store, cfg: cfg, logger: logger.Named("uidallocator")}
}

func (a *Allocator) lockFor(tenant graphtypes.Tenant) *sync.Mutex {
	v, _ := a.tenantLocks.LoadOrStore(tenant, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateTenantKeyspace initializes the tenant's counter. Idempotent.
func (a *Allocator) CreateTenantKeyspace(ctx context.Context, tenant graphtypes.Tenant) error {
	return a.store.CreateTenantKeyspace(ctx, tenant)
}

// AllocateIds reserves count UIDs for tenant, clamped to
// Config.MaximumAllocationSize, returning the half-open range [start, end).
// One writer per tenant is enforced by an in-process mutex; concurrent
// callers for different tenants proceed fully in parallel.
func (a *Allocator) AllocateIds(ctx context.Context, tenant graphtypes.Tenant, count uint64) (Range, error) {
	if count == 0 {
		return Range{}, rpcerrors.New(rpcerrors.InvalidArgument, "count must be positive")
	}
	if a.cfg.MaximumAllocationSize > 0 && count > a.cfg.MaximumAllocationSize {
		count = a.cfg.MaximumAllocationSize
	}

	lock := a.lockFor(tenant)
	lock.Lock()
	defer lock.Unlock()

	c, _ := a.chunks.Load(tenant)
	cur, _ := c.(*chunk)

	if cur == nil || cur.end-cur.next < count {
		refillSize := a.cfg.PreallocationSize
		if count > refillSize {
			refillSize = count
		}
		result, err := a.store.Preallocate(ctx, tenant, refillSize)
		if err != nil {
			return Range{}, err
		}
		next := result.Prev
		if cur != nil && cur.end == result.Prev {
			// The new reservation continues the old chunk, so the old
			// chunk's leftover ids are handed out rather than skipped.
			next = cur.next
		}
		cur = &chunk{next: next, end: result.New}
		a.chunks.Store(tenant, cur)
	}

	start := cur.next
	end := start + count
	cur.next = end

	if !graphtypes.Uid(end - 1).Valid() {
		return Range{}, rpcerrors.New(rpcerrors.Internal, "allocation exceeds maximum issuable uid")
	}

	return Range{Start: graphtypes.Uid(start), End: graphtypes.Uid(end)}, nil
}
