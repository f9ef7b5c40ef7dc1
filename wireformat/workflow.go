// Package wireformat implements the Prompt Template Builder (spec.md §3,
// §4.1): a deep-cloned workflow tree plus a bidirectional map from logical
// input/output names to dotted paths into that tree.
//
// The recursive-descent shape here follows util/param_resolver.go from the
// teacher (a type switch over map[string]any/[]any/scalar), but walks a
// caller-given dotted path instead of substituting `{$.jsonpath}` tokens.
package wireformat

import "github.com/mohitkumar/renderfleet/rferrors"

// Node is one workflow node: an opaque class type plus a field-name to
// scalar-or-reference map. A reference is stored as a two-element slice
// []any{upstreamNodeID, outputSlot}, matching spec.md §3.
type Node struct {
	ClassType string         `json:"class_type,omitempty"`
	Inputs    map[string]any `json:"inputs"`
}

// Workflow maps opaque node ids to node records. The dispatcher and
// backend client treat it as an opaque blob except at paths a Template
// declares.
type Workflow map[string]Node

// reservedSegments mirrors the language-internal object representation
// names spec.md §4.1 requires templates to refuse as path segments.
var reservedSegments = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

func hasReservedSegment(segments []string) bool {
	for _, s := range segments {
		if _, bad := reservedSegments[s]; bad {
			return true
		}
	}
	return false
}

// cloneWorkflow deep-copies a Workflow so template mutations never touch
// the caller's original value (spec.md §4.1 "immutability of callers'
// inputs").
func cloneWorkflow(wf Workflow) Workflow {
	out := make(Workflow, len(wf))
	for id, node := range wf {
		out[id] = Node{
			ClassType: node.ClassType,
			Inputs:    deepCloneMap(node.Inputs),
		}
	}
	return out
}

func deepCloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCloneMap(t)
	case []any:
		return deepCloneSlice(t)
	default:
		return v
	}
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCloneAny(v)
	}
	return out
}

func deepCloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = deepCloneAny(v)
	}
	return out
}

// writeAtNodePath writes value at a dotted path rooted at a node id, e.g.
// "4.inputs.ckpt_name". The first segment selects the node; remaining
// segments are traversed left to right against the node's Inputs tree,
// creating intermediate maps where absent.
func writeAtNodePath(wf Workflow, path string, value any) error {
	segments := splitPath(path)
	if len(segments) < 2 {
		return rferrors.ErrInvalidPath
	}
	if hasReservedSegment(segments) {
		return rferrors.ErrInvalidPath
	}
	nodeID := segments[0]
	node, ok := wf[nodeID]
	if !ok {
		node = Node{Inputs: make(map[string]any)}
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]any)
	}
	rest := segments[1:]
	// The convention "N.inputs.field..." is the common case; any dotted
	// path under the node is honored, not just ones spelled "inputs.".
	if rest[0] == "inputs" {
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return rferrors.ErrInvalidPath
	}
	writeInto(node.Inputs, rest, value)
	wf[nodeID] = node
	return nil
}

// writeInto walks segments against m, creating map[string]any nodes for
// every absent intermediate segment, and sets value at the final segment.
func writeInto(m map[string]any, segments []string, value any) {
	cur := m
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}
