// Package nodeidentifier resolves externally-provided NodeDescriptions
// (pseudo-keys, session windows, static keys) into canonical Uids.
package nodeidentifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// Allocator is the subset of the UID Allocator's client surface the
// identifier needs: one fresh uid at a time, satisfied by
// uidallocator.CachingAllocatorClient.
type Allocator interface {
	AllocateOne(ctx context.Context, tenant graphtypes.Tenant) (graphtypes.Uid, error)
}

// bucketSize truncates a timestamp to a coarse bucket, ported from the
// original's shave_int helper: the session row's primary key is suffixed
// by this bucket so inserts for the same logical window collide and race
// through the store's uniqueness constraint instead of silently diverging.
const bucketSize = 100_000

// bucketTimestamp zeroes the low digits of ts, grouping nearby timestamps
// into the same bucket.
func bucketTimestamp(ts uint64) uint64 {
	return ts - (ts % bucketSize)
}

// maxRetries bounds the insert-race and optimistic-update retry loops in the
// session algorithm; exhausting it surfaces as Unavailable rather than
// looping forever under pathological contention.
const maxRetries = 8

// Identifier implements IdentifyGraph.
type Identifier struct {
	store            graphstore.IdentityStore
	nodeTypes        graphstore.NodeTypeStore
	allocator        Allocator
	cache            *IdentityCache
	sessionTolerance time.Duration
	logger           *zap.Logger
}

// New returns an Identifier.
func New(store graphstore.IdentityStore, nodeTypes graphstore.NodeTypeStore, allocator Allocator, cache *IdentityCache, sessionTolerance time.Duration, logger *zap.Logger) *Identifier {
	return &Identifier{
		store:            store,
		nodeTypes:        nodeTypes,
		allocator:        allocator,
		cache:            cache,
		sessionTolerance: sessionTolerance,
		logger:           logger.Named("nodeidentifier"),
	}
}

// IdentifyGraph resolves every node in desc to a canonical uid and re-keys
// every edge from node_key to uid. Per-node failures are reported in
// NodeStatuses; the rest of the graph is still processed.
func (id *Identifier) IdentifyGraph(ctx context.Context, tenant graphtypes.Tenant, desc graphtypes.GraphDescription) graphtypes.IdentifiedGraph {
	uids := make(map[string]graphtypes.Uid, len(desc.Nodes))
	statuses := make([]graphtypes.NodeStatus, 0, len(desc.Nodes))
	nodes := make([]graphtypes.IdentifiedNode, 0, len(desc.Nodes))

	for _, nd := range desc.Nodes {
		uid, err := id.identifyNode(ctx, tenant, nd)
		if err != nil {
			statuses = append(statuses, graphtypes.NodeStatus{NodeKey: nd.NodeKey, Uid: uid, Err: err})
			id.logger.Warn("node identification failed", zap.String("node_key", nd.NodeKey), zap.Error(err))
			continue
		}

		if err := id.nodeTypes.PutNodeType(ctx, tenant, uid, nd.NodeType); err != nil {
			// The uid is resolved but its type never made it to the store;
			// report the node as failed rather than silently handing back a
			// uid the Mutation/Query Engines will treat as typeless.
			wrapped := rpcerrors.Wrap(rpcerrors.Unavailable, "record node type", err)
			statuses = append(statuses, graphtypes.NodeStatus{NodeKey: nd.NodeKey, Uid: uid, Err: wrapped})
			id.logger.Warn("node type write failed", zap.String("node_key", nd.NodeKey), zap.Uint64("uid", uint64(uid)), zap.Error(err))
			continue
		}

		statuses = append(statuses, graphtypes.NodeStatus{NodeKey: nd.NodeKey, Uid: uid})
		uids[nd.NodeKey] = uid
		nodes = append(nodes, graphtypes.IdentifiedNode{
			NodeType:   nd.NodeType,
			Uid:        uid,
			Properties: nd.Properties,
			IdStrategy: nd.IdStrategy,
		})
	}

	edges := make([]graphtypes.IdentifiedEdge, 0, len(desc.Edges))
	for _, e := range desc.Edges {
		from, fromOK := uids[e.From]
		to, toOK := uids[e.To]
		if !fromOK || !toOK {
			// One endpoint failed identification or was superseded out of
			// this batch; the edge is dropped, not rewritten.
			continue
		}
		edges = append(edges, graphtypes.IdentifiedEdge{From: from, To: to, EdgeName: e.EdgeName})
	}

	return graphtypes.IdentifiedGraph{Nodes: nodes, Edges: edges, NodeStatuses: statuses}
}

func (id *Identifier) identifyNode(ctx context.Context, tenant graphtypes.Tenant, nd graphtypes.NodeDescription) (graphtypes.Uid, error) {
	switch nd.IdStrategy.Kind {
	case graphtypes.StrategyStatic:
		return id.identifyStatic(ctx, tenant, nd)
	case graphtypes.StrategySession:
		return id.identifySession(ctx, tenant, nd)
	default:
		return 0, rpcerrors.New(rpcerrors.InvalidArgument, "unknown id_strategy kind")
	}
}

// hashKeyValues computes a stable digest of node_type plus the ordered
// values of names looked up in props.
func hashKeyValues(nodeType graphtypes.NodeType, names []graphtypes.PropertyName, props map[graphtypes.PropertyName]graphtypes.PropertyValue) (string, error) {
	if len(names) == 0 {
		return "", rpcerrors.New(rpcerrors.InvalidArgument, "empty key property list")
	}
	var sb strings.Builder
	sb.WriteString(string(nodeType))
	for _, name := range names {
		v, ok := props[name]
		if !ok {
			return "", rpcerrors.New(rpcerrors.InvalidArgument, fmt.Sprintf("missing required key property %q", name))
		}
		sb.WriteByte('|')
		sb.WriteString(v.String())
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

func (id *Identifier) identifyStatic(ctx context.Context, tenant graphtypes.Tenant, nd graphtypes.NodeDescription) (graphtypes.Uid, error) {
	hash, err := hashKeyValues(nd.NodeType, nd.IdStrategy.Static.KeyPropertyNames, nd.Properties)
	if err != nil {
		return 0, err
	}

	cacheKey := fmt.Sprintf("static:%s:%s:%s", tenant, nd.NodeType, hash)
	if id.cache != nil {
		if uid, ok := id.cache.Get(ctx, cacheKey); ok {
			return uid, nil
		}
	}

	if uid, found, err := id.store.LookupStatic(ctx, tenant, nd.NodeType, hash); err != nil {
		return 0, err
	} else if found {
		id.cacheSet(ctx, cacheKey, uid)
		return uid, nil
	}

	newUid, err := id.allocator.AllocateOne(ctx, tenant)
	if err != nil {
		return 0, err
	}

	winner, _, err := id.store.InsertStaticIfAbsent(ctx, tenant, nd.NodeType, hash, newUid)
	if err != nil {
		return 0, err
	}
	id.cacheSet(ctx, cacheKey, winner)
	return winner, nil
}

func (id *Identifier) cacheSet(ctx context.Context, key string, uid graphtypes.Uid) {
	if id.cache != nil {
		id.cache.Set(ctx, key, uid)
	}
}
