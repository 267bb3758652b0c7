// Package graphtypes defines the shared data model for the graph identity
// and mutation core: tenants, UIDs, typed identifiers, property values, and
// the node/edge fragments that flow between the Node Identifier, Mutation
// Engine, and Query Engine.
package graphtypes

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Uid is a tenant-scoped, monotonically-issued 64-bit node identifier.
// Zero and values >= 2^63 are reserved and never issued.
type Uid uint64

// MaxUid is the largest value the allocator is permitted to hand out.
const MaxUid Uid = 1<<63 - 1

// Valid reports whether u is a legal, issuable uid.
func (u Uid) Valid() bool {
	return u > 0 && u <= MaxUid
}

// Tenant is an opaque 128-bit identifier namespacing all core state.
type Tenant = uuid.UUID

// identRe matches the grammar shared by NodeType, PropertyName, and EdgeName:
// [A-Za-z_][A-Za-z0-9_]*, max 64 chars.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const maxIdentLen = 64

func validateIdent(kind, s string) error {
	if len(s) == 0 || len(s) > maxIdentLen {
		return fmt.Errorf("%s: length must be 1-%d, got %d", kind, maxIdentLen, len(s))
	}
	if !identRe.MatchString(s) {
		return fmt.Errorf("%s %q: must match [A-Za-z_][A-Za-z0-9_]*", kind, s)
	}
	return nil
}

// NodeType identifies a node's schema entry.
type NodeType string

// Validate enforces the identifier grammar.
func (n NodeType) Validate() error { return validateIdent("node_type", string(n)) }

// PropertyName identifies a single property slot on a node.
type PropertyName string

// Validate enforces the identifier grammar.
func (p PropertyName) Validate() error { return validateIdent("property_name", string(p)) }

// EdgeName identifies a forward or reverse edge relation.
type EdgeName string

// Validate enforces the identifier grammar.
func (e EdgeName) Validate() error { return validateIdent("edge_name", string(e)) }

// EdgeCardinality constrains how many edges of a given name may exist from
// one endpoint.
type EdgeCardinality int

const (
	// ToOne means a write of this edge replaces any prior value.
	ToOne EdgeCardinality = iota
	// ToMany means writes of this edge accumulate into a set.
	ToMany
)

func (c EdgeCardinality) String() string {
	if c == ToOne {
		return "ToOne"
	}
	return "ToMany"
}
