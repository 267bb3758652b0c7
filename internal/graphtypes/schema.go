package graphtypes

// EdgeSchema describes one forward edge declared on a NodeType: its
// destination type, cardinality at both endpoints, and the schema-paired
// reverse edge that a lookup from the destination traverses back with.
type EdgeSchema struct {
	EdgeName            EdgeName
	DstType              NodeType
	Cardinality          EdgeCardinality
	ReverseName          EdgeName
	ReverseCardinality   EdgeCardinality
}

// NodeSchema describes one node type's declared properties and forward
// edges.
type NodeSchema struct {
	NodeType     NodeType
	Properties   map[PropertyName]PropertyKind
	ForwardEdges map[EdgeName]EdgeSchema
}

// Schema is a tenant's complete, deployed graph schema.
type Schema struct {
	Version uint64
	Nodes   map[NodeType]NodeSchema
}

// NewSchema returns an empty schema at version 0.
func NewSchema() *Schema {
	return &Schema{Nodes: make(map[NodeType]NodeSchema)}
}

// PropertyKind looks up the declared kind of a property on a node type.
func (s *Schema) PropertyKind(nt NodeType, p PropertyName) (PropertyKind, bool) {
	ns, ok := s.Nodes[nt]
	if !ok {
		return 0, false
	}
	k, ok := ns.Properties[p]
	return k, ok
}

// EdgeSchema looks up the declared forward-edge schema for (nodeType, edgeName).
func (s *Schema) EdgeSchema(nt NodeType, e EdgeName) (EdgeSchema, bool) {
	ns, ok := s.Nodes[nt]
	if !ok {
		return EdgeSchema{}, false
	}
	es, ok := ns.ForwardEdges[e]
	return es, ok
}
