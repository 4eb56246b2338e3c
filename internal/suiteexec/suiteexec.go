// Package suiteexec walks a suite's steps in declaration order against
// one scope, loading suite-level variables first and promoting exports
// on success.
package suiteexec

import (
	"context"
	"time"

	"github.com/flowtestlabs/flowtest/internal/capture"
	"github.com/flowtestlabs/flowtest/internal/hooks"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
	"github.com/flowtestlabs/flowtest/internal/step"
)

// StepRunner is the subset of step.Executor's surface a suite needs; it
// is an interface instead of a concrete type purely so tests can stub it.
type StepRunner interface {
	Run(ctx context.Context, st model.Step, sc *scope.Scope, rc hooks.RunContext, suiteContinueOnFailure bool) model.StepResult
}

// Executor drives one suite's steps sequentially.
type Executor struct {
	steps   StepRunner
	interp  *interp.Service
	capture *capture.Engine
	bus     *logbus.Bus
}

// New builds a suite Executor. stepExecutor is typically a *step.Executor
// wired with the same interp/capture/bus instances.
func New(stepExecutor *step.Executor, svc *interp.Service, captureEngine *capture.Engine, bus *logbus.Bus) *Executor {
	return &Executor{steps: stepExecutor, interp: svc, capture: captureEngine, bus: bus}
}

// Run executes every step of suite in declaration order against a scope
// built from globals/env, returning the suite's frozen result.
func (e *Executor) Run(ctx context.Context, runID string, suite model.Suite, globals *scope.Globals, env scope.Env, callDepth int) model.SuiteResult {
	result := model.SuiteResult{
		NodeID:    suite.NodeID,
		SuiteName: suite.SuiteName,
		Priority:  suite.EffectivePriority(),
		StartTime: time.Now(),
	}

	sc := scope.New(suite.NodeID, globals, env, nil)
	if len(suite.Variables) > 0 {
		resolved, err := e.interp.ResolveValue(model.FromRaw(suite.Variables), sc)
		if err != nil {
			result.Status = model.StatusError
			result.SkipReason = err.Error()
			result.EndTime = time.Now()
			result.Finalize()
			return result
		}
		if obj, ok := resolved.Object(); ok {
			for k, v := range obj {
				sc.SetLocal(k, v)
			}
		}
	}

	e.bus.Publish(logbus.PublishInput{
		RunID: runID, Level: logbus.LevelInfo, NodeID: suite.NodeID,
		Message: "suite started: " + suite.SuiteName,
	})

	suiteFailed := false
	for _, st := range suite.Steps {
		if ctx.Err() != nil {
			result.StepsResults = append(result.StepsResults, model.StepResult{StepName: st.Name, Status: model.StatusCancelled})
			suiteFailed = true
			break
		}

		rc := hooks.RunContext{RunID: runID, NodeID: suite.NodeID, StepName: st.Name, CallDepth: callDepth}
		stepResult := e.steps.Run(ctx, st, sc, rc, suite.ContinueOnFailure)
		result.StepsResults = append(result.StepsResults, stepResult)

		if stepResult.Status == model.StatusFailure || stepResult.Status == model.StatusError || stepResult.Status == model.StatusCancelled {
			if !st.ContinueOnFailureOr(suite.ContinueOnFailure) {
				suiteFailed = true
				break
			}
		}
	}

	if !suiteFailed && len(suite.Exports) > 0 {
		if err := e.capture.PromoteExports(suite.Exports, sc, func(name string) {
			e.bus.Publish(logbus.PublishInput{
				RunID: runID, Level: logbus.LevelWarn, NodeID: suite.NodeID,
				Message: "export \"" + name + "\" overwrote an existing global",
			})
		}); err != nil {
			suiteFailed = true
			result.SkipReason = err.Error()
		}
	}

	result.EndTime = time.Now()
	if suiteFailed {
		result.Status = model.StatusFailure
	} else {
		result.Status = model.StatusSuccess
	}
	result.Finalize()

	e.bus.Publish(logbus.PublishInput{
		RunID: runID, Level: logbus.LevelInfo, NodeID: suite.NodeID,
		Message: "suite finished: " + suite.SuiteName,
		Metadata: map[string]interface{}{"status": string(result.Status)},
	})

	return result
}
