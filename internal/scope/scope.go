// Package scope implements the layered variable store: runtime >
// step-local captures > suite variables > global exports > environment,
// resolved highest-to-lowest precedence.
package scope

import (
	"strconv"
	"strings"
	"sync"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

// Globals is the process-wide, mutex-guarded export table keyed by
// (node_id, name). One instance is owned by the orchestrator and shared
// by every suite scope in the run.
type Globals struct {
	mu   sync.Mutex
	data map[string]map[string]model.Value
}

// NewGlobals creates an empty global export table.
func NewGlobals() *Globals {
	return &Globals{data: make(map[string]map[string]model.Value)}
}

// Export writes a (suite, name) export. A second write to the same key
// overwrites the value and reports that a warning should be emitted.
func (g *Globals) Export(nodeID, name string, v model.Value) (overwrote bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.data[nodeID]
	if !ok {
		bucket = make(map[string]model.Value)
		g.data[nodeID] = bucket
	}
	_, overwrote = bucket[name]
	bucket[name] = v
	return overwrote
}

// Get reads a (suite, name) export. Readers see either the pre-write or
// post-write value, never a partial one, because both live under the
// single mutex.
func (g *Globals) Get(nodeID, name string) (model.Value, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.data[nodeID]
	if !ok {
		return model.Null(), false
	}
	v, ok := bucket[name]
	return v, ok
}

// Env is an immutable snapshot of the process environment, taken once at
// run start.
type Env map[string]string

// Scope is a stack of variable layers for one suite execution. It is
// not safe for concurrent use from multiple goroutines: each suite
// execution owns exactly one scope, and cross-suite parallelism happens
// at the Globals layer instead.
type Scope struct {
	nodeID  string
	globals *Globals
	env     Env

	suiteVars map[string]model.Value
	// layers is a stack of runtime/step-local layers; layers[0] is the
	// suite-level bottom, subsequent entries shadow it. push_layer/
	// pop_layer operate on the tail.
	layers []map[string]model.Value
}

// New creates a suite-execution scope with the suite-variables layer
// already loaded and one runtime layer pushed.
func New(nodeID string, globals *Globals, env Env, suiteVars map[string]model.Value) *Scope {
	s := &Scope{
		nodeID:    nodeID,
		globals:   globals,
		env:       env,
		suiteVars: suiteVars,
	}
	if s.suiteVars == nil {
		s.suiteVars = map[string]model.Value{}
	}
	s.PushLayer()
	return s
}

// NodeID returns the suite node ID this scope belongs to, used by the
// call service to resolve same-suite step targets.
func (s *Scope) NodeID() string { return s.nodeID }

// Snapshot returns every variable currently visible in this scope,
// merged lowest-to-highest precedence (suite variables, then runtime
// layers bottom-up); it excludes global exports and environment, which
// a callee resolves independently through its own scope. Used by the
// call service to seed a callee's child scope with the caller's
// variables.
func (s *Scope) Snapshot() map[string]model.Value {
	out := make(map[string]model.Value, len(s.suiteVars))
	for k, v := range s.suiteVars {
		out[k] = v
	}
	for _, layer := range s.layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// PushLayer opens a new runtime layer (step entry, iteration entry).
func (s *Scope) PushLayer() {
	s.layers = append(s.layers, map[string]model.Value{})
}

// PopLayer discards the most recently pushed layer, exposing whatever
// binding existed before it.
func (s *Scope) PopLayer() {
	if len(s.layers) == 0 {
		return
	}
	s.layers = s.layers[:len(s.layers)-1]
}

// SetLocal writes to the top-most (current) runtime layer.
func (s *Scope) SetLocal(name string, v model.Value) {
	if len(s.layers) == 0 {
		s.PushLayer()
	}
	s.layers[len(s.layers)-1][name] = v
}

// Get resolves name from highest to lowest precedence: runtime layers
// (top to bottom) > suite variables > global exports (self node) >
// environment. A dotted `<node_id>.<name>` form is handled by
// ResolvePath, not here.
func (s *Scope) Get(name string) (model.Value, error) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if v, ok := s.layers[i][name]; ok {
			return v, nil
		}
	}
	if v, ok := s.suiteVars[name]; ok {
		return v, nil
	}
	if s.globals != nil {
		if v, ok := s.globals.Get(s.nodeID, name); ok {
			return v, nil
		}
	}
	if s.env != nil {
		if v, ok := s.env[name]; ok {
			return model.String(v), nil
		}
	}
	return model.Null(), errs.New(errs.KindInterpolation, errs.CodeNotFound, "variable not found: "+name, nil)
}

// EnvLookup reads name from the env snapshot only, bypassing the
// variable layers.
func (s *Scope) EnvLookup(name string) (string, bool) {
	v, ok := s.env[name]
	return v, ok
}

// ExportGlobal promotes name's current value to the global table under
// this scope's node ID.
func (s *Scope) ExportGlobal(name string) (overwrote bool, err error) {
	v, err := s.Get(name)
	if err != nil {
		return false, err
	}
	return s.globals.Export(s.nodeID, name, v), nil
}

// ResolvePath supports dotted paths with bracket indexing and quoted
// segments: a.b[0]."weird key".c. The leading identifier
// is resolved via Get, unless it contains a dot and names
// `<node_id>.<name>`, in which case the global export table is checked
// first.
func (s *Scope) ResolvePath(path string) (model.Value, error) {
	segments, err := parsePath(path)
	if err != nil {
		return model.Null(), err
	}
	if len(segments) == 0 {
		return model.Null(), errs.New(errs.KindInterpolation, errs.CodeNotFound, "empty path", nil)
	}

	head := segments[0].key
	var current model.Value
	if len(segments) > 1 && segments[0].kind == segKey && segments[1].kind == segKey {
		// Try <node_id>.<name> against globals first.
		if v, ok := s.globals.Get(head, segments[1].key); ok {
			current = v
			segments = segments[2:]
			return walk(current, segments)
		}
	}
	current, err = s.Get(head)
	if err != nil {
		return model.Null(), err
	}
	return walk(current, segments[1:])
}

func walk(current model.Value, rest []pathSeg) (model.Value, error) {
	for _, seg := range rest {
		switch seg.kind {
		case segKey:
			obj, ok := current.Object()
			if !ok {
				return model.Null(), errs.New(errs.KindInterpolation, errs.CodeNotFound, "cannot index non-object with ."+seg.key, nil)
			}
			v, ok := obj[seg.key]
			if !ok {
				return model.Null(), errs.New(errs.KindInterpolation, errs.CodeNotFound, "field not found: "+seg.key, nil)
			}
			current = v
		case segIndex:
			arr, ok := current.Array()
			if !ok {
				return model.Null(), errs.New(errs.KindInterpolation, errs.CodeNotFound, "cannot index non-array", nil)
			}
			if seg.index < 0 || seg.index >= len(arr) {
				return model.Null(), errs.New(errs.KindInterpolation, errs.CodeNotFound, "array index out of bounds", nil)
			}
			current = arr[seg.index]
		}
	}
	return current, nil
}

type segKind int

const (
	segKey segKind = iota
	segIndex
)

type pathSeg struct {
	kind  segKind
	key   string
	index int
}

// parsePath tokenizes a.b[0]."weird key".c into segments.
func parsePath(path string) ([]pathSeg, error) {
	var segs []pathSeg
	i, n := 0, len(path)
	for i < n {
		switch {
		case path[i] == '.':
			i++
		case path[i] == '"':
			j := i + 1
			for j < n && path[j] != '"' {
				j++
			}
			if j >= n {
				return nil, errs.New(errs.KindInterpolation, errs.CodeNotFound, "unterminated quoted path segment", nil)
			}
			segs = append(segs, pathSeg{kind: segKey, key: path[i+1 : j]})
			i = j + 1
		case path[i] == '[':
			j := strings.IndexByte(path[i:], ']')
			if j < 0 {
				return nil, errs.New(errs.KindInterpolation, errs.CodeNotFound, "unterminated [ in path", nil)
			}
			idxStr := path[i+1 : i+j]
			idx, convErr := strconv.Atoi(strings.TrimSpace(idxStr))
			if convErr != nil {
				return nil, errs.New(errs.KindInterpolation, errs.CodeNotFound, "invalid array index: "+idxStr, convErr)
			}
			segs = append(segs, pathSeg{kind: segIndex, index: idx})
			i += j + 1
		default:
			j := i
			for j < n && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, pathSeg{kind: segKey, key: path[i:j]})
			i = j
		}
	}
	return segs, nil
}
