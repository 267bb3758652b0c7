package schemamanager

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// Schema documents are a small line-oriented grammar:
//
//	node <NodeType> {
//	  property <PropertyName> <Kind>
//	  edge <EdgeName> -> <DstType> <Cardinality> reverse <ReverseName> [<ReverseCardinality>]
//	}
//
// Kind is one of ImmStr/ImmI64/ImmU64/MaxI64/MinI64/MaxU64/MinU64. Cardinality
// is ToOne or ToMany; ReverseCardinality is optional and defaults to ToOne.
// Blank lines and lines starting with # are ignored.
var kindNames = map[string]graphtypes.PropertyKind{
	"ImmStr": graphtypes.KindImmStr,
	"ImmI64": graphtypes.KindImmI64,
	"ImmU64": graphtypes.KindImmU64,
	"MaxI64": graphtypes.KindMaxI64,
	"MinI64": graphtypes.KindMinI64,
	"MaxU64": graphtypes.KindMaxU64,
	"MinU64": graphtypes.KindMinU64,
}

var cardinalityNames = map[string]graphtypes.EdgeCardinality{
	"ToOne":  graphtypes.ToOne,
	"ToMany": graphtypes.ToMany,
}

// ParseDocument parses a textual schema document into a graphtypes.Schema at
// the given version. Syntax errors and unknown tokens are reported as
// rpcerrors.InvalidArgument, matching DeploySchema's documented failure mode.
func ParseDocument(version uint64, document string) (*graphtypes.Schema, error) {
	schema := graphtypes.NewSchema()
	schema.Version = version

	scanner := bufio.NewScanner(strings.NewReader(document))
	lineNo := 0
	var current *graphtypes.NodeSchema

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "node":
			if current != nil {
				return nil, parseErr(lineNo, "nested node block")
			}
			if len(fields) != 3 || fields[2] != "{" {
				return nil, parseErr(lineNo, "expected: node <NodeType> {")
			}
			nt := graphtypes.NodeType(fields[1])
			if err := nt.Validate(); err != nil {
				return nil, parseErr(lineNo, err.Error())
			}
			current = &graphtypes.NodeSchema{
				NodeType:     nt,
				Properties:   make(map[graphtypes.PropertyName]graphtypes.PropertyKind),
				ForwardEdges: make(map[graphtypes.EdgeName]graphtypes.EdgeSchema),
			}

		case "}":
			if current == nil {
				return nil, parseErr(lineNo, "unmatched }")
			}
			schema.Nodes[current.NodeType] = *current
			current = nil

		case "property":
			if current == nil {
				return nil, parseErr(lineNo, "property outside node block")
			}
			if len(fields) != 3 {
				return nil, parseErr(lineNo, "expected: property <name> <Kind>")
			}
			pn := graphtypes.PropertyName(fields[1])
			if err := pn.Validate(); err != nil {
				return nil, parseErr(lineNo, err.Error())
			}
			kind, ok := kindNames[fields[2]]
			if !ok {
				return nil, parseErr(lineNo, fmt.Sprintf("unknown property kind %q", fields[2]))
			}
			current.Properties[pn] = kind

		case "edge":
			if current == nil {
				return nil, parseErr(lineNo, "edge outside node block")
			}
			if (len(fields) != 7 && len(fields) != 8) || fields[2] != "->" || fields[5] != "reverse" {
				return nil, parseErr(lineNo, "expected: edge <name> -> <DstType> <Cardinality> reverse <RevName> [<RevCardinality>]")
			}
			en := graphtypes.EdgeName(fields[1])
			if err := en.Validate(); err != nil {
				return nil, parseErr(lineNo, err.Error())
			}
			dst := graphtypes.NodeType(fields[3])
			if err := dst.Validate(); err != nil {
				return nil, parseErr(lineNo, err.Error())
			}
			card, ok := cardinalityNames[fields[4]]
			if !ok {
				return nil, parseErr(lineNo, fmt.Sprintf("unknown cardinality %q", fields[4]))
			}
			revName := graphtypes.EdgeName(fields[6])
			if err := revName.Validate(); err != nil {
				return nil, parseErr(lineNo, err.Error())
			}
			// Reverse cardinality is an optional trailing token; default ToOne.
			revCard := graphtypes.ToOne
			if len(fields) == 8 {
				revCard, ok = cardinalityNames[fields[7]]
				if !ok {
					return nil, parseErr(lineNo, fmt.Sprintf("unknown reverse cardinality %q", fields[7]))
				}
			}
			current.ForwardEdges[en] = graphtypes.EdgeSchema{
				EdgeName:           en,
				DstType:            dst,
				Cardinality:        card,
				ReverseName:        revName,
				ReverseCardinality: revCard,
			}

		default:
			return nil, parseErr(lineNo, fmt.Sprintf("unexpected token %q", fields[0]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, rpcerrors.Wrap(rpcerrors.InvalidArgument, "read schema document", err)
	}
	if current != nil {
		return nil, parseErr(lineNo, "unterminated node block")
	}

	return schema, nil
}

func parseErr(line int, msg string) error {
	return rpcerrors.New(rpcerrors.InvalidArgument, fmt.Sprintf("schema document line %d: %s", line, msg))
}

// ValidateReverseConsistency enforces spec's mutual reverse-edge rule: if
// NodeType A declares forward e -> B with reverse e', then B must declare
// forward e' -> A with reverse e.
func ValidateReverseConsistency(schema *graphtypes.Schema) error {
	for _, ns := range schema.Nodes {
		for _, es := range ns.ForwardEdges {
			dst, ok := schema.Nodes[es.DstType]
			if !ok {
				return rpcerrors.New(rpcerrors.InvalidArgument,
					fmt.Sprintf("edge %s on %s references undeclared node type %s", es.EdgeName, ns.NodeType, es.DstType))
			}
			back, ok := dst.ForwardEdges[es.ReverseName]
			if !ok {
				return rpcerrors.New(rpcerrors.InvalidArgument,
					fmt.Sprintf("edge %s on %s declares reverse %s on %s, but %s has no such forward edge", es.EdgeName, ns.NodeType, es.ReverseName, es.DstType, es.DstType))
			}
			if back.DstType != ns.NodeType || back.ReverseName != es.EdgeName {
				return rpcerrors.New(rpcerrors.InvalidArgument,
					fmt.Sprintf("edge %s/%s between %s and %s is not mutually consistent", es.EdgeName, es.ReverseName, ns.NodeType, es.DstType))
			}
		}
	}
	return nil
}
