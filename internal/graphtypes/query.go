package graphtypes

// FilterOp is a comparison operator applied to a single property during
// query evaluation.
type FilterOp int

const (
	OpEq FilterOp = iota
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe
	OpContains
	OpHasKey
)

// PropertyFilter constrains one property of a bound node.
type PropertyFilter struct {
	PropertyName PropertyName
	Op           FilterOp
	Value        PropertyValue
}

// QueryId identifies one node within a query graph. Query graphs may be
// cyclic; QueryId, not object identity, is what the engine's visited set is
// keyed on.
type QueryId uint64

// EdgeFilter constrains a single declared edge out of a QueryNode: the edge
// name to traverse, and the query node the neighbor must bind to.
type EdgeFilter struct {
	EdgeName EdgeName
	Dst      QueryId
}

// QueryNode is one node in a (possibly cyclic) query graph: a type
// constraint, a conjunction of property filters, and a conjunction of edge
// filters (each existentially quantified over the store's neighbors).
type QueryNode struct {
	QueryId         QueryId
	NodeType        NodeType
	PropertyFilters []PropertyFilter
	EdgeFilters     []EdgeFilter
}

// QueryGraph is the full set of QueryNodes making up one pattern, indexed by
// QueryId.
type QueryGraph struct {
	Nodes map[QueryId]QueryNode
	Root  QueryId
}

// MatchStatus distinguishes the three possible outcomes of QueryWithUid.
type MatchStatus int

const (
	NoMatch MatchStatus = iota
	Matched
	Bounded
)

// MatchResult is the outcome of evaluating a QueryGraph from a seed uid.
type MatchResult struct {
	Status   MatchStatus
	Bindings map[QueryId]Uid
}
