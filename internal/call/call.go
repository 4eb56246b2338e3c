// Package call implements cross-suite/step invocation:
// resolve a call target to a step or a whole suite, run it, and collect
// propagated variables back into the caller. A step target runs against
// a fresh child scope seeded with the caller's variables and args; a
// whole-suite target runs from its own suite variables only, without the
// caller's variables or args.
//
// Sits above internal/step and internal/suiteexec rather than being
// imported by them: both accept a hooks.CallFunc closure instead, so
// this package can hold a registry of every discovered suite without
// creating an import cycle.
package call

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/hooks"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
	"github.com/flowtestlabs/flowtest/internal/step"
	"github.com/flowtestlabs/flowtest/internal/suiteexec"
)

const maxCallDepth = 10

// Registry maps node_id to its discovered Suite, populated from
// discovery before a run starts.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]model.Suite
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{suites: make(map[string]model.Suite)}
}

// Add registers a discovered suite.
func (r *Registry) Add(suite model.Suite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suites[suite.NodeID] = suite
}

// Get looks up a suite by node_id.
func (r *Registry) Get(nodeID string) (model.Suite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suites[nodeID]
	return s, ok
}

// Service resolves and executes call targets.
type Service struct {
	registry  *Registry
	stepExec  *step.Executor
	suiteExec *suiteexec.Executor
	interp    *interp.Service
	globals   *scope.Globals
	env       scope.Env
}

// New builds a call Service. stepExec and suiteExec must already be
// wired with a hooks.CallFunc that forwards to this same Service (its
// AsCallFunc, or a closure over Call as cmd/flowtest uses) for nested
// calls to work; see cmd/flowtest's wiring for the construction order.
func New(registry *Registry, stepExec *step.Executor, suiteExec *suiteexec.Executor, svc *interp.Service, globals *scope.Globals, env scope.Env) *Service {
	return &Service{registry: registry, stepExec: stepExec, suiteExec: suiteExec, interp: svc, globals: globals, env: env}
}

// AsCallFunc adapts Call into the hooks.CallFunc shape steps and hooks
// invoke, binding the run ID that should tag any events the callee
// publishes.
func (s *Service) AsCallFunc(runID string) hooks.CallFunc {
	return func(ctx context.Context, spec *model.CallSpec, sc *scope.Scope, depth int) (map[string]model.Value, error) {
		return s.Call(ctx, runID, spec, sc, depth)
	}
}

type stackKey struct{}

func withStack(ctx context.Context, stack []string) context.Context {
	return context.WithValue(ctx, stackKey{}, stack)
}

func stackFrom(ctx context.Context) []string {
	if v, ok := ctx.Value(stackKey{}).([]string); ok {
		return v
	}
	return nil
}

// Call resolves spec.Target and executes it, returning the propagated
// variables the callee exposes back to the caller.
func (s *Service) Call(ctx context.Context, runID string, spec *model.CallSpec, callerScope *scope.Scope, depth int) (map[string]model.Value, error) {
	if depth > maxCallDepth {
		return nil, errs.New(errs.KindCall, errs.CodeMaxCallDepthExceeded,
			fmt.Sprintf("call depth exceeded %d", maxCallDepth), nil)
	}

	stack := stackFrom(ctx)
	for _, t := range stack {
		if t == spec.Target {
			return nil, errs.New(errs.KindCall, errs.CodeCircularCall, "circular call detected: "+spec.Target, nil)
		}
	}
	nextCtx := withStack(ctx, append(append([]string{}, stack...), spec.Target))

	targetSuite, stepName, wholeSuite, err := s.resolveTarget(spec.Target, callerScope.NodeID())
	if err != nil {
		return nil, err
	}

	args, err := s.resolveArgs(spec.With, callerScope)
	if err != nil {
		return nil, err
	}

	childVars := callerScope.Snapshot()
	for k, v := range args {
		childVars[k] = v
	}

	if wholeSuite {
		return s.callSuite(nextCtx, runID, targetSuite, childVars, depth, spec.Propagate)
	}
	return s.callStep(nextCtx, runID, targetSuite, stepName, childVars, depth, spec.Propagate)
}

func (s *Service) resolveTarget(target, callerNodeID string) (suite model.Suite, stepName string, wholeSuite bool, err error) {
	if idx := strings.IndexByte(target, '.'); idx >= 0 {
		nodeID, name := target[:idx], target[idx+1:]
		if sub, ok := s.registry.Get(nodeID); ok {
			return sub, name, false, nil
		}
		return model.Suite{}, "", false, errs.New(errs.KindCall, errs.CodeTargetNotFound, "call target suite not found: "+nodeID, nil)
	}

	if callerSuite, ok := s.registry.Get(callerNodeID); ok {
		for _, st := range callerSuite.Steps {
			if st.Name == target {
				return callerSuite, target, false, nil
			}
		}
	}

	if sub, ok := s.registry.Get(target); ok {
		return sub, "", true, nil
	}

	return model.Suite{}, "", false, errs.New(errs.KindCall, errs.CodeTargetNotFound, "call target not found: "+target, nil)
}

func (s *Service) resolveArgs(with map[string]interface{}, callerScope *scope.Scope) (map[string]model.Value, error) {
	out := make(map[string]model.Value, len(with))
	for k, raw := range with {
		resolved, err := s.interp.ResolveValue(model.FromRaw(raw), callerScope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (s *Service) callStep(ctx context.Context, runID string, suite model.Suite, stepName string, vars map[string]model.Value, depth int, propagate []string) (map[string]model.Value, error) {
	var target *model.Step
	for i := range suite.Steps {
		if suite.Steps[i].Name == stepName {
			target = &suite.Steps[i]
			break
		}
	}
	if target == nil {
		return nil, errs.New(errs.KindCall, errs.CodeTargetNotFound, "call target step not found: "+stepName, nil)
	}

	childScope := scope.New(suite.NodeID, s.globals, s.env, vars)
	rc := hooks.RunContext{RunID: runID, NodeID: suite.NodeID, StepName: stepName, CallDepth: depth}
	result := s.stepExec.Run(ctx, *target, childScope, rc, suite.ContinueOnFailure)
	if result.Status == model.StatusFailure || result.Status == model.StatusError {
		return nil, errs.New(errs.KindCall, errs.CodeCaptureFailed, "call target step failed: "+result.Error, nil)
	}

	captured := make(map[string]model.Value, len(result.CapturedVariables))
	for k, v := range result.CapturedVariables {
		captured[k] = model.FromRaw(v)
	}
	return filterPropagated(captured, propagate), nil
}

// callSuite re-runs the callee suite from its own step 0. Its
// suite-level `variables` block is (re)loaded by suiteExec.Run itself;
// the caller's vars/args are not injected here because only step-level
// calls propagate caller state in; a whole-suite call is expected to be
// self-contained.
func (s *Service) callSuite(ctx context.Context, runID string, suite model.Suite, vars map[string]model.Value, depth int, propagate []string) (map[string]model.Value, error) {
	result := s.suiteExec.Run(ctx, runID, suite, s.globals, s.env, depth)
	if result.Status != model.StatusSuccess {
		return nil, errs.New(errs.KindCall, errs.CodeCaptureFailed, "call target suite did not succeed: "+suite.NodeID, nil)
	}

	names := propagate
	if len(names) == 0 {
		names = suite.Exports
	}
	out := make(map[string]model.Value, len(names))
	for _, name := range names {
		if v, ok := s.globals.Get(suite.NodeID, name); ok {
			out[name] = v
		}
	}
	return out, nil
}

func filterPropagated(captured map[string]model.Value, names []string) map[string]model.Value {
	if len(names) == 0 {
		return captured
	}
	out := make(map[string]model.Value, len(names))
	for _, name := range names {
		if v, ok := captured[name]; ok {
			out[name] = v
		}
	}
	return out
}
