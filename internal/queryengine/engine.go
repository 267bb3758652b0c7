// Package queryengine implements bounded graph-pattern matching rooted at a
// known uid.
package queryengine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// SchemaLookup is the subset of schemamanager.Manager the engine depends on.
type SchemaLookup interface {
	GetNodeSchema(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType) (map[graphtypes.PropertyName]graphtypes.PropertyKind, error)
}

// Config bounds one QueryWithUid call.
type Config struct {
	MaxDepth     int
	MaxReads     int
	MaxEdgeScans int
	Deadline     time.Duration
}

// DefaultConfig matches the defaults named in configuration knobs
// query.max_depth / query.max_reads / query.deadline_default_ms.
func DefaultConfig() Config {
	return Config{MaxDepth: 6, MaxReads: 10_000, MaxEdgeScans: 10_000, Deadline: 5 * time.Second}
}

// Engine implements QueryWithUid.
type Engine struct {
	properties graphstore.PropertyStore
	edges      graphstore.EdgeStore
	nodeTypes  graphstore.NodeTypeStore
	schema     SchemaLookup
	cfg        Config
	logger     *zap.Logger
}

// New returns an Engine.
func New(properties graphstore.PropertyStore, edges graphstore.EdgeStore, nodeTypes graphstore.NodeTypeStore, schema SchemaLookup, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		properties: properties,
		edges:      edges,
		nodeTypes:  nodeTypes,
		schema:     schema,
		cfg:        cfg,
		logger:     logger.Named("queryengine"),
	}
}

// budget tracks the resource caps spent across one QueryWithUid call, shared
// across every goroutine exploring it.
type budget struct {
	reads     atomic.Int64
	edgeScans atomic.Int64
	maxReads  int64
	maxScans  int64
}

func (b *budget) takeRead() bool {
	return b.reads.Add(1) <= b.maxReads
}

func (b *budget) takeEdgeScan() bool {
	return b.edgeScans.Add(1) <= b.maxScans
}

// QueryWithUid binds query starting from rootUid and returns the first
// complete satisfying binding, NoMatch, or QueryBounded if a resource cap was
// exceeded before a verdict was reached.
func (e *Engine) QueryWithUid(ctx context.Context, tenant graphtypes.Tenant, query graphtypes.QueryGraph, rootUid graphtypes.Uid) (graphtypes.MatchResult, error) {
	deadline := e.cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultConfig().Deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	root, ok := query.Nodes[query.Root]
	if !ok {
		return graphtypes.MatchResult{}, rpcerrors.New(rpcerrors.InvalidArgument, "query graph has no root node")
	}

	b := &budget{maxReads: int64(e.cfg.MaxReads), maxScans: int64(e.cfg.MaxEdgeScans)}
	sc := NewShortCircuit()
	visited := NewVisited()

	matched, bindings, bounded, err := e.bind(ctx, tenant, query, root, rootUid, sc, visited, b, 0)
	if err != nil {
		return graphtypes.MatchResult{}, err
	}
	if bounded {
		return graphtypes.MatchResult{Status: graphtypes.Bounded}, nil
	}
	if !matched {
		return graphtypes.MatchResult{Status: graphtypes.NoMatch}, nil
	}

	// A full top-level binding was just produced; trip the circuit. bind has
	// already waited for every goroutine it spawned, so no branch is still
	// running to observe the flag here: sibling edge branches always run to
	// completion and are never cut short by it.
	sc.Set()

	return graphtypes.MatchResult{Status: graphtypes.Matched, Bindings: bindings}, nil
}

// bind attempts to match node against uid, recursing into its edge filters.
// It returns matched=true with the accumulated bindings on success,
// bounded=true if a resource cap or the depth limit was hit before a verdict
// could be reached, and matched=false (bounded=false) on an ordinary
// non-match.
func (e *Engine) bind(ctx context.Context, tenant graphtypes.Tenant, query graphtypes.QueryGraph, node graphtypes.QueryNode, uid graphtypes.Uid, sc *ShortCircuit, visited *Visited, b *budget, depth int) (matched bool, bindings map[graphtypes.QueryId]graphtypes.Uid, bounded bool, err error) {
	if sc.Get() {
		return false, nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, nil, true, nil
	}
	if depth > e.cfg.MaxDepth {
		return false, nil, true, nil
	}

	if e.schema != nil {
		// A schema lookup failure (e.g. the query references a node_type
		// that was never declared) is fatal to the whole query, not a
		// per-binding non-match.
		if _, err := e.schema.GetNodeSchema(ctx, tenant, node.NodeType); err != nil {
			return false, nil, false, err
		}
	}

	actualType, found, err := e.nodeTypes.GetNodeType(ctx, tenant, uid)
	if err != nil {
		return false, nil, false, err
	}
	if !found || actualType != node.NodeType {
		return false, nil, false, nil
	}

	for _, filter := range node.PropertyFilters {
		if !b.takeRead() {
			return false, nil, true, nil
		}
		value, present, err := e.properties.GetProperty(ctx, tenant, node.NodeType, uid, filter.PropertyName)
		if err != nil {
			return false, nil, false, err
		}
		if !evaluateFilter(value, present, filter) {
			return false, nil, false, nil
		}
	}

	bindings = map[graphtypes.QueryId]graphtypes.Uid{node.QueryId: uid}

	if len(node.EdgeFilters) == 0 {
		return true, bindings, false, nil
	}

	type edgeResult struct {
		matched  bool
		bindings map[graphtypes.QueryId]graphtypes.Uid
		bounded  bool
		err      error
	}

	results := make([]edgeResult, len(node.EdgeFilters))
	var wg sync.WaitGroup
	for i, ef := range node.EdgeFilters {
		i, ef := i, ef
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = edgeResult{}
			m, bnd, bounded, err := e.bindEdge(ctx, tenant, query, node.QueryId, uid, ef, sc, visited, b, depth)
			results[i] = edgeResult{matched: m, bindings: bnd, bounded: bounded, err: err}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return false, nil, false, r.err
		}
	}
	for _, r := range results {
		if r.bounded {
			return false, nil, true, nil
		}
	}
	for _, r := range results {
		if !r.matched {
			return false, nil, false, nil
		}
	}
	for _, r := range results {
		for qid, u := range r.bindings {
			bindings[qid] = u
		}
	}

	return true, bindings, false, nil
}

// bindEdge existentially quantifies over every neighbor reachable via
// ef.EdgeName from uid, looking for one that satisfies ef.Dst.
func (e *Engine) bindEdge(ctx context.Context, tenant graphtypes.Tenant, query graphtypes.QueryGraph, srcQueryId graphtypes.QueryId, uid graphtypes.Uid, ef graphtypes.EdgeFilter, sc *ShortCircuit, visited *Visited, b *budget, depth int) (bool, map[graphtypes.QueryId]graphtypes.Uid, bool, error) {
	if visited.CheckAndAdd(srcQueryId, ef.EdgeName, ef.Dst) {
		// This (src, edge, dst) pattern triple was already explored
		// elsewhere in the recursion; treat as satisfied to break the cycle
		// rather than loop forever.
		return true, map[graphtypes.QueryId]graphtypes.Uid{}, false, nil
	}

	dstNode, ok := query.Nodes[ef.Dst]
	if !ok {
		return false, nil, false, rpcerrors.New(rpcerrors.InvalidArgument, "edge filter references unknown query node")
	}

	if !b.takeEdgeScan() {
		return false, nil, true, nil
	}
	neighbors, err := e.edges.Neighbors(ctx, tenant, uid, ef.EdgeName)
	if err != nil {
		return false, nil, false, err
	}

	for _, neighbor := range neighbors {
		if sc.Get() {
			return false, nil, false, nil
		}
		matched, bindings, bounded, err := e.bind(ctx, tenant, query, dstNode, neighbor, sc, visited, b, depth+1)
		if err != nil {
			return false, nil, false, err
		}
		if bounded {
			return false, nil, true, nil
		}
		if matched {
			return true, bindings, false, nil
		}
	}

	return false, nil, false, nil
}

// evaluateFilter applies filter.Op to the stored value. HasKey is satisfied
// by mere presence, regardless of filter.Value; every other op requires the
// property to be present and comparable.
func evaluateFilter(value graphtypes.PropertyValue, present bool, filter graphtypes.PropertyFilter) bool {
	if filter.Op == graphtypes.OpHasKey {
		return present
	}
	if !present {
		return false
	}
	switch filter.Op {
	case graphtypes.OpEq:
		return value.Equal(filter.Value)
	case graphtypes.OpNeq:
		return !value.Equal(filter.Value)
	case graphtypes.OpLt:
		return compareOrdered(value, filter.Value) < 0
	case graphtypes.OpLe:
		return compareOrdered(value, filter.Value) <= 0
	case graphtypes.OpGt:
		return compareOrdered(value, filter.Value) > 0
	case graphtypes.OpGe:
		return compareOrdered(value, filter.Value) >= 0
	case graphtypes.OpContains:
		return value.Kind == graphtypes.KindImmStr && filter.Value.Kind == graphtypes.KindImmStr && strings.Contains(value.Str, filter.Value.Str)
	default:
		return false
	}
}

// compareOrdered compares two values of the same numeric kind, returning a
// negative number, zero, or a positive number. Values of differing kinds, or
// of the string kind (which has no ordering filter), compare as equal.
func compareOrdered(a, b graphtypes.PropertyValue) int {
	if a.Kind != b.Kind {
		return 0
	}
	switch a.Kind {
	case graphtypes.KindImmI64, graphtypes.KindMaxI64, graphtypes.KindMinI64:
		switch {
		case a.I64 < b.I64:
			return -1
		case a.I64 > b.I64:
			return 1
		default:
			return 0
		}
	case graphtypes.KindImmU64, graphtypes.KindMaxU64, graphtypes.KindMinU64:
		switch {
		case a.U64 < b.U64:
			return -1
		case a.U64 > b.U64:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}
