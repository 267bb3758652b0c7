// Package memstore is an in-memory implementation of graphstore.Store, used
// by the single-binary deployment (cmd/monolith) and by every component's
// test suite in place of Postgres/DynamoDB.
package memstore

import (
	"context"
	"sync"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

type tenantKey = graphtypes.Tenant

type propKey struct {
	tenant graphtypes.Tenant
	uid    graphtypes.Uid
	prop   graphtypes.PropertyName
}

type edgeKey struct {
	tenant   graphtypes.Tenant
	from     graphtypes.Uid
	edgeName graphtypes.EdgeName
}

type staticKey struct {
	tenant   graphtypes.Tenant
	nodeType graphtypes.NodeType
	hash     string
}

type sessionKey struct {
	tenant   graphtypes.Tenant
	nodeType graphtypes.NodeType
	hash     string
	bucket   uint64
}

type nodeTypeKey struct {
	tenant graphtypes.Tenant
	uid    graphtypes.Uid
}

type schemaEntry struct {
	document string
	version  uint64
}

// Store is a mutex-guarded, in-memory implementation of graphstore.Store.
// It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	counters map[tenantKey]uint64
	schemas  map[tenantKey]schemaEntry

	static   map[staticKey]graphtypes.Uid
	sessions map[sessionKey]graphstore.SessionRow

	properties map[propKey]graphtypes.PropertyValue
	edges      map[edgeKey]map[graphtypes.Uid]struct{}

	nodeTypes map[nodeTypeKey]graphtypes.NodeType
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		counters:   make(map[tenantKey]uint64),
		schemas:    make(map[tenantKey]schemaEntry),
		static:     make(map[staticKey]graphtypes.Uid),
		sessions:   make(map[sessionKey]graphstore.SessionRow),
		properties: make(map[propKey]graphtypes.PropertyValue),
		edges:      make(map[edgeKey]map[graphtypes.Uid]struct{}),
		nodeTypes:  make(map[nodeTypeKey]graphtypes.NodeType),
	}
}

// CreateTenantKeyspace implements graphstore.CounterStore.
func (s *Store) CreateTenantKeyspace(ctx context.Context, tenant graphtypes.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[tenant]; !ok {
		// UID 0 is reserved and never issued, so the counter starts at 1.
		s.counters[tenant] = 1
	}
	return nil
}

// Preallocate implements graphstore.CounterStore.
func (s *Store) Preallocate(ctx context.Context, tenant graphtypes.Tenant, size uint64) (graphstore.Count, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.counters[tenant]
	if !ok {
		return graphstore.Count{}, rpcerrors.New(rpcerrors.UnknownTenant, "tenant has no keyspace")
	}
	next := prev + size
	s.counters[tenant] = next
	return graphstore.Count{Prev: prev, New: next}, nil
}

// PutSchema implements graphstore.SchemaStore.
func (s *Store) PutSchema(ctx context.Context, tenant graphtypes.Tenant, version uint64, document string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.schemas[tenant]; ok && version <= existing.version {
		return rpcerrors.New(rpcerrors.Conflict, "schema version must be strictly increasing")
	}
	s.schemas[tenant] = schemaEntry{document: document, version: version}
	return nil
}

// GetSchemaDocument implements graphstore.SchemaStore.
func (s *Store) GetSchemaDocument(ctx context.Context, tenant graphtypes.Tenant) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schemas[tenant]
	if !ok {
		return "", 0, rpcerrors.New(rpcerrors.UnknownTenant, "no schema deployed")
	}
	return e.document, e.version, nil
}

// InsertStaticIfAbsent implements graphstore.IdentityStore.
func (s *Store) InsertStaticIfAbsent(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, staticKeyHash string, uid graphtypes.Uid) (graphtypes.Uid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := staticKey{tenant, nodeType, staticKeyHash}
	if existing, ok := s.static[k]; ok {
		return existing, false, nil
	}
	s.static[k] = uid
	return uid, true, nil
}

// LookupStatic implements graphstore.IdentityStore.
func (s *Store) LookupStatic(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, staticKeyHash string) (graphtypes.Uid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.static[staticKey{tenant, nodeType, staticKeyHash}]
	return uid, ok, nil
}

// CandidateSessions implements graphstore.IdentityStore.
func (s *Store) CandidateSessions(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, pseudoKeyHash string) ([]graphstore.SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graphstore.SessionRow
	for k, row := range s.sessions {
		if k.tenant == tenant && k.nodeType == nodeType && k.hash == pseudoKeyHash && !row.Superseded {
			out = append(out, row)
		}
	}
	return out, nil
}

// InsertSession implements graphstore.IdentityStore.
func (s *Store) InsertSession(ctx context.Context, row graphstore.SessionRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{row.Tenant, row.NodeType, row.PseudoKeyHash, row.CreatedTsBucket}
	if _, ok := s.sessions[k]; ok {
		return false, nil
	}
	s.sessions[k] = row
	return true, nil
}

// UpdateSession implements graphstore.IdentityStore.
func (s *Store) UpdateSession(ctx context.Context, row graphstore.SessionRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{row.Tenant, row.NodeType, row.PseudoKeyHash, row.CreatedTsBucket}
	existing, ok := s.sessions[k]
	if !ok || existing.Version != row.Version {
		return false, nil
	}
	row.Version = existing.Version + 1
	s.sessions[k] = row
	return true, nil
}

// SupersedeSession implements graphstore.IdentityStore.
func (s *Store) SupersedeSession(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, pseudoKeyHash string, createdTsBucket uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{tenant, nodeType, pseudoKeyHash, createdTsBucket}
	row, ok := s.sessions[k]
	if !ok {
		return nil
	}
	row.Superseded = true
	s.sessions[k] = row
	return nil
}

// GetProperty implements graphstore.PropertyStore.
func (s *Store) GetProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName) (graphtypes.PropertyValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.properties[propKey{tenant, uid, prop}]
	return v, ok, nil
}

// WriteProperty implements graphstore.PropertyStore.
func (s *Store) WriteProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName, value graphtypes.PropertyValue) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := propKey{tenant, uid, prop}
	existing, ok := s.properties[k]
	if !ok {
		s.properties[k] = value
		return true, false, nil
	}
	merged, mergeOK := existing.Merge(value)
	if !mergeOK {
		// Immutable conflict: do not overwrite, report it.
		return false, true, nil
	}
	s.properties[k] = merged
	return true, false, nil
}

// WriteEdge implements graphstore.EdgeStore.
func (s *Store) WriteEdge(ctx context.Context, tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName, to graphtypes.Uid, cardinality graphtypes.EdgeCardinality) (graphtypes.Uid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edgeKey{tenant, from, edgeName}
	set, ok := s.edges[k]
	if !ok {
		set = make(map[graphtypes.Uid]struct{})
		s.edges[k] = set
	}

	if cardinality == graphtypes.ToMany {
		set[to] = struct{}{}
		return 0, false, nil
	}

	// ToOne: replace, reporting the prior value if different.
	var prior graphtypes.Uid
	hadPrior := false
	for existing := range set {
		prior = existing
		hadPrior = true
		break
	}
	for existing := range set {
		delete(set, existing)
	}
	set[to] = struct{}{}
	if hadPrior && prior != to {
		return prior, true, nil
	}
	return 0, false, nil
}

// Neighbors implements graphstore.EdgeStore.
func (s *Store) Neighbors(ctx context.Context, tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName) ([]graphtypes.Uid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.edges[edgeKey{tenant, from, edgeName}]
	if !ok {
		return nil, nil
	}
	out := make([]graphtypes.Uid, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out, nil
}

// PutNodeType implements graphstore.NodeTypeStore.
func (s *Store) PutNodeType(ctx context.Context, tenant graphtypes.Tenant, uid graphtypes.Uid, nodeType graphtypes.NodeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeTypes[nodeTypeKey{tenant, uid}] = nodeType
	return nil
}

// GetNodeType implements graphstore.NodeTypeStore.
func (s *Store) GetNodeType(ctx context.Context, tenant graphtypes.Tenant, uid graphtypes.Uid) (graphtypes.NodeType, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nt, ok := s.nodeTypes[nodeTypeKey{tenant, uid}]
	return nt, ok, nil
}

var _ graphstore.Store = (*Store)(nil)
