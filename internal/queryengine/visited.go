package queryengine

import (
	"sync"

	"github.com/secgraph/graphcore/internal/graphtypes"
)

// visitedKey is the (src_query_id, edge_name, dst_query_id) triple the
// original tracks to terminate cyclic query graphs.
type visitedKey struct {
	src  graphtypes.QueryId
	edge graphtypes.EdgeName
	dst  graphtypes.QueryId
}

// Visited is a mutex-guarded set shared across every goroutine exploring one
// QueryWithUid call, ported from the original visited.rs.
type Visited struct {
	mu      sync.Mutex
	visited map[visitedKey]struct{}
}

// NewVisited returns an empty Visited set.
func NewVisited() *Visited {
	return &Visited{visited: make(map[visitedKey]struct{})}
}

// CheckAndAdd reports whether (src, edge, dst) was already visited, then
// marks it visited regardless.
func (v *Visited) CheckAndAdd(src graphtypes.QueryId, edge graphtypes.EdgeName, dst graphtypes.QueryId) bool {
	key := visitedKey{src, edge, dst}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, already := v.visited[key]
	v.visited[key] = struct{}{}
	return already
}
