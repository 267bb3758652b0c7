package uidallocator

import (
	"context"
	"sync"

	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// RemoteAllocator is whatever can serve AllocateIds -- the in-process
// *Allocator directly, or an rpcclient-backed stub calling the standalone
// uid-allocator service.
type RemoteAllocator interface {
	AllocateIds(ctx context.Context, tenant graphtypes.Tenant, count uint64) (Range, error)
}

// CachingAllocatorClient wraps a RemoteAllocator with a process-local range
// cache per tenant, ported from the original allocator's
// CachingUidAllocatorClient: allocate_one hands out uids from the cached
// range and only calls AllocateIds again once the range is exhausted.
type CachingAllocatorClient struct {
	remote    RemoteAllocator
	pullCount uint64

	mu     sync.Mutex
	ranges map[graphtypes.Tenant]*chunk
}

// NewCachingClient returns a client pulling pullCount uids at a time from
// remote.
func NewCachingClient(remote RemoteAllocator, pullCount uint64) *CachingAllocatorClient {
	return &CachingAllocatorClient{
		remote:    remote,
		pullCount: pullCount,
		ranges:    make(map[graphtypes.Tenant]*chunk),
	}
}

// AllocateOne returns a single fresh uid for tenant, refilling its cached
// range from the remote allocator when exhausted.
func (c *CachingAllocatorClient) AllocateOne(ctx context.Context, tenant graphtypes.Tenant) (graphtypes.Uid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.ranges[tenant]
	if !ok || r.next >= r.end {
		rng, err := c.remote.AllocateIds(ctx, tenant, c.pullCount)
		if err != nil {
			return 0, err
		}
		r = &chunk{next: uint64(rng.Start), end: uint64(rng.End)}
		c.ranges[tenant] = r
	}

	uid := r.next
	r.next++
	if !graphtypes.Uid(uid).Valid() {
		return 0, rpcerrors.New(rpcerrors.Internal, "allocated uid out of range")
	}
	return graphtypes.Uid(uid), nil
}
