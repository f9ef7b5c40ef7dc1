package wireformat

import (
	"encoding/json"
	"strings"

	"github.com/dop251/goja"
	"github.com/mohitkumar/renderfleet/rferrors"
)

// PathEncoding controls how a string value is rewritten before being
// written into the workflow tree (spec.md §4.1).
type PathEncoding int

const (
	// EncodingNone writes the value unmodified.
	EncodingNone PathEncoding = iota
	// EncodingPOSIX replaces backslashes with forward slashes.
	EncodingPOSIX
	// EncodingNT replaces forward slashes with backslashes.
	EncodingNT
)

func applyEncoding(value any, enc PathEncoding) any {
	s, ok := value.(string)
	if !ok || enc == EncodingNone {
		return value
	}
	switch enc {
	case EncodingNT:
		return strings.ReplaceAll(s, "/", "\\")
	case EncodingPOSIX:
		return strings.ReplaceAll(s, "\\", "/")
	default:
		return value
	}
}

// Template is the immutable-by-convention triple described in spec.md §3.
// Every mutating operation returns a new *Template; the receiver is never
// modified, satisfying the copy-on-write contract.
type Template struct {
	workflow  Workflow
	inputMap  map[string][]string
	outputMap map[string]string
	bypass    map[string]struct{}
	exprs     map[string]string
}

// New deep-copies workflow and registers an empty binding for every name in
// inputNames and outputNames.
func New(workflow Workflow, inputNames, outputNames []string) *Template {
	t := &Template{
		workflow:  cloneWorkflow(workflow),
		inputMap:  make(map[string][]string),
		outputMap: make(map[string]string),
		bypass:    make(map[string]struct{}),
		exprs:     make(map[string]string),
	}
	for _, n := range inputNames {
		t.inputMap[n] = nil
	}
	for _, n := range outputNames {
		t.outputMap[n] = ""
	}
	return t
}

// Clone returns an independent deep copy of t.
func (t *Template) Clone() *Template {
	return t.copyWith(func(n *Template) {})
}

// copyWith deep-copies every field of t into a new Template, then applies
// mutate to the copy. This is the mechanism every public operation below
// uses to give copy-on-write semantics without disturbing the receiver.
func (t *Template) copyWith(mutate func(*Template)) *Template {
	n := &Template{
		workflow:  cloneWorkflow(t.workflow),
		inputMap:  make(map[string][]string, len(t.inputMap)),
		outputMap: make(map[string]string, len(t.outputMap)),
		bypass:    make(map[string]struct{}, len(t.bypass)),
		exprs:     make(map[string]string, len(t.exprs)),
	}
	for k, v := range t.inputMap {
		cp := make([]string, len(v))
		copy(cp, v)
		n.inputMap[k] = cp
	}
	for k, v := range t.outputMap {
		n.outputMap[k] = v
	}
	for k := range t.bypass {
		n.bypass[k] = struct{}{}
	}
	for k, v := range t.exprs {
		n.exprs[k] = v
	}
	mutate(n)
	return n
}

// SetInputNode replaces the path binding for name.
func (t *Template) SetInputNode(name string, paths ...string) (*Template, error) {
	if _, ok := t.inputMap[name]; !ok {
		return nil, rferrors.ErrUnknownInput
	}
	if err := validatePaths(paths); err != nil {
		return nil, err
	}
	return t.copyWith(func(n *Template) {
		cp := make([]string, len(paths))
		copy(cp, paths)
		n.inputMap[name] = cp
	}), nil
}

// AppendInputNode concatenates paths onto the existing binding for name.
func (t *Template) AppendInputNode(name string, paths ...string) (*Template, error) {
	if _, ok := t.inputMap[name]; !ok {
		return nil, rferrors.ErrUnknownInput
	}
	if err := validatePaths(paths); err != nil {
		return nil, err
	}
	return t.copyWith(func(n *Template) {
		n.inputMap[name] = append(append([]string{}, n.inputMap[name]...), paths...)
	}), nil
}

// SetOutputNode binds name to the node id whose output will be reported.
func (t *Template) SetOutputNode(name string, nodeID string) (*Template, error) {
	if _, ok := t.outputMap[name]; !ok {
		return nil, rferrors.ErrUnknownInput
	}
	return t.copyWith(func(n *Template) {
		n.outputMap[name] = nodeID
	}), nil
}

// Bypass marks nodeID to be skipped at submission.
func (t *Template) Bypass(nodeID string) *Template {
	return t.copyWith(func(n *Template) {
		n.bypass[nodeID] = struct{}{}
	})
}

// Reinstate un-marks a previously bypassed node.
func (t *Template) Reinstate(nodeID string) *Template {
	return t.copyWith(func(n *Template) {
		delete(n.bypass, nodeID)
	})
}

// Input writes value at every path bound to name, applying pathEncoding
// when value is a string. Unknown names fail with ErrUnknownInput; paths
// with a reserved segment fail with ErrInvalidPath and leave t unchanged.
func (t *Template) Input(name string, value any, enc PathEncoding) (*Template, error) {
	paths, ok := t.inputMap[name]
	if !ok {
		return nil, rferrors.ErrUnknownInput
	}
	if err := validatePaths(paths); err != nil {
		return nil, err
	}
	encoded := applyEncoding(value, enc)
	var writeErr error
	next := t.copyWith(func(n *Template) {
		for _, p := range paths {
			if err := writeAtNodePath(n.workflow, p, encoded); err != nil {
				writeErr = err
				return
			}
		}
	})
	if writeErr != nil {
		return nil, writeErr
	}
	return next, nil
}

// BindExpr binds name to a JavaScript expression, evaluated at Finalize
// time against the plain-value bindings already written by Input. This is
// a supplemental feature (SPEC_FULL.md §4.1): templates that never call
// BindExpr behave exactly per spec.md §4.1.
func (t *Template) BindExpr(name string, expr string) (*Template, error) {
	if _, ok := t.inputMap[name]; !ok {
		return nil, rferrors.ErrUnknownInput
	}
	return t.copyWith(func(n *Template) {
		n.exprs[name] = expr
	}), nil
}

func validatePaths(paths []string) error {
	for _, p := range paths {
		if hasReservedSegment(splitPath(p)) {
			return rferrors.ErrInvalidPath
		}
	}
	return nil
}

// Finalize applies bound expressions, drops bypassed nodes, and returns the
// resulting Workflow blob ready for submission. t is not mutated.
func (t *Template) Finalize() (Workflow, error) {
	working := t
	if len(t.exprs) > 0 {
		vm := goja.New()
		snapshot := working.currentValues()
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, err
		}
		if _, err := vm.RunString("var $ = " + string(data) + ";"); err != nil {
			return nil, err
		}
		for name, expr := range t.exprs {
			val, err := vm.RunString(expr)
			if err != nil {
				return nil, err
			}
			working, err = working.Input(name, val.Export(), EncodingNone)
			if err != nil {
				return nil, err
			}
		}
	}
	out := cloneWorkflow(working.workflow)
	for id := range working.bypass {
		delete(out, id)
	}
	return out, nil
}

// currentValues reads back, for every bound input name, the value
// currently written at its first bound path (best-effort; used only to
// expose "$" to expression bindings).
func (t *Template) currentValues() map[string]any {
	out := make(map[string]any, len(t.inputMap))
	for name, paths := range t.inputMap {
		if len(paths) == 0 {
			continue
		}
		if v, ok := readAtNodePath(t.workflow, paths[0]); ok {
			out[name] = v
		}
	}
	return out
}

func readAtNodePath(wf Workflow, path string) (any, bool) {
	segments := splitPath(path)
	if len(segments) < 2 {
		return nil, false
	}
	node, ok := wf[segments[0]]
	if !ok {
		return nil, false
	}
	rest := segments[1:]
	if rest[0] == "inputs" {
		rest = rest[1:]
	}
	var cur any = node.Inputs
	for _, seg := range rest {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Workflow returns the template's current internal workflow without
// applying bypass or expression bindings — used by tests asserting write
// placement (spec.md §8 property 1).
func (t *Template) Workflow() Workflow {
	return cloneWorkflow(t.workflow)
}

// OutputNode returns the node id bound to name, if any.
func (t *Template) OutputNode(name string) (string, bool) {
	id, ok := t.outputMap[name]
	return id, ok && id != ""
}

// OutputNames returns every registered output name.
func (t *Template) OutputNames() []string {
	names := make([]string, 0, len(t.outputMap))
	for n := range t.outputMap {
		names = append(names, n)
	}
	return names
}
