// Package graphstore defines the typed key/value/edge contract that every
// core component reads and writes through, and provides two
// implementations: a DynamoDB/Postgres-backed one for production, and an
// in-memory one (see the memstore subpackage) for tests and the single-binary
// deployment.
package graphstore

import (
	"context"

	"github.com/secgraph/graphcore/internal/graphtypes"
)

// Count is the result of an atomic counter increment: the value before and
// after the increment.
type Count struct {
	Prev uint64
	New  uint64
}

// CounterStore persists the monotonic per-tenant UID counter.
type CounterStore interface {
	// CreateTenantKeyspace initializes a tenant's counter at 1 (uid 0 is
	// reserved and never issued). It is idempotent.
	CreateTenantKeyspace(ctx context.Context, tenant graphtypes.Tenant) error
	// Preallocate atomically increments the tenant's counter by size and
	// returns the previous and new values. Returns rpcerrors.UnknownTenant
	// if the tenant has no keyspace.
	Preallocate(ctx context.Context, tenant graphtypes.Tenant, size uint64) (Count, error)
}

// SchemaStore persists the single current schema document per tenant.
type SchemaStore interface {
	// PutSchema stores a new schema document at version, rejecting the
	// write (rpcerrors.Conflict) if version is not strictly greater than
	// the currently stored version.
	PutSchema(ctx context.Context, tenant graphtypes.Tenant, version uint64, document string) error
	// GetSchemaDocument returns the current document and its version.
	GetSchemaDocument(ctx context.Context, tenant graphtypes.Tenant) (document string, version uint64, err error)
}

// SessionRow is the persisted state of one session-identified entity.
type SessionRow struct {
	Tenant        graphtypes.Tenant
	NodeType      graphtypes.NodeType
	PseudoKeyHash string
	CreatedTsBucket uint64
	CreatedTs     uint64
	LastSeenTs    uint64
	TerminatedTs  uint64
	HasCreatedTs  bool
	HasTerminatedTs bool
	Uid           graphtypes.Uid
	IsCreateCanon bool
	IsEndCanon    bool
	Version       uint64
	Superseded    bool
}

// IdentityStore persists the static-key and session-key maps that resolve
// node identity to a Uid.
type IdentityStore interface {
	// InsertStaticIfAbsent attempts to claim uid for (tenant, nodeType,
	// staticKeyHash). Returns the winning uid (which may be uid if this
	// call won the race, or a previously claimed uid if it lost) and
	// whether this call was the winner.
	InsertStaticIfAbsent(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, staticKeyHash string, uid graphtypes.Uid) (winner graphtypes.Uid, won bool, err error)

	// LookupStatic returns the uid previously claimed for the given static
	// key, if any.
	LookupStatic(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, staticKeyHash string) (graphtypes.Uid, bool, error)

	// CandidateSessions returns every non-superseded session row for
	// (tenant, nodeType, pseudoKeyHash), across all created_ts buckets
	// that could plausibly overlap or be adjacent to an event.
	CandidateSessions(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, pseudoKeyHash string) ([]SessionRow, error)

	// InsertSession attempts to claim a brand-new session row keyed by
	// (tenant, nodeType, pseudoKeyHash, row.CreatedTsBucket). Returns false
	// if a row already occupies that key (the caller should re-read and
	// retry from CandidateSessions).
	InsertSession(ctx context.Context, row SessionRow) (inserted bool, err error)

	// UpdateSession applies a conditional update to an existing session
	// row, gated on row.Version matching the stored version. Returns false
	// on a version conflict.
	UpdateSession(ctx context.Context, row SessionRow) (updated bool, err error)

	// SupersedeSession marks a session row superseded so CandidateSessions
	// no longer returns it, without touching uids already written to it.
	SupersedeSession(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, pseudoKeyHash string, createdTsBucket uint64) error
}

// PropertyStore persists per-(tenant, uid, node_type, property) values,
// enforcing each PropertyKind's merge rule.
type PropertyStore interface {
	// GetProperty returns the currently stored value, if any.
	GetProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName) (graphtypes.PropertyValue, bool, error)

	// WriteProperty applies value to (tenant, uid, nodeType, prop) under
	// kind's merge rule. applied is false when an immutable write found a
	// differing existing value (a conflict); conflict reports that case
	// specifically so the caller can increment a counter without treating
	// it as an error.
	WriteProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName, value graphtypes.PropertyValue) (applied bool, conflict bool, err error)
}

// EdgeStore persists directed edge rows and supports neighbor scans in
// either direction.
type EdgeStore interface {
	// WriteEdge upserts (from, edgeName, to). For ToMany cardinality the
	// write accumulates; for ToOne it replaces, returning the previously
	// stored "to" (if different) as a conflict report.
	WriteEdge(ctx context.Context, tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName, to graphtypes.Uid, cardinality graphtypes.EdgeCardinality) (replaced graphtypes.Uid, hadConflict bool, err error)

	// Neighbors returns every "to" uid stored for (from, edgeName).
	Neighbors(ctx context.Context, tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName) ([]graphtypes.Uid, error)
}

// NodeTypeStore records which NodeType a Uid was created with, so the Query
// Engine can reject a type mismatch at the root binding (spec 4.5 step 1).
type NodeTypeStore interface {
	PutNodeType(ctx context.Context, tenant graphtypes.Tenant, uid graphtypes.Uid, nodeType graphtypes.NodeType) error
	GetNodeType(ctx context.Context, tenant graphtypes.Tenant, uid graphtypes.Uid) (graphtypes.NodeType, bool, error)
}

// Store bundles every sub-interface the core components depend on. A single
// concrete type may implement all of them (as memstore.Store does), or they
// may be split across backends (as in production, where PostgresStore serves
// CounterStore and SchemaStore and DynamoStore serves the rest).
type Store interface {
	CounterStore
	SchemaStore
	IdentityStore
	PropertyStore
	EdgeStore
	NodeTypeStore
}
