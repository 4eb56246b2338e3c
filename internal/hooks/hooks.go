// Package hooks executes lifecycle hook actions: given a hook point's
// ordered list of HookActions, resolve each action's fields through the
// interpolation service and execute it, short-circuiting on a failing
// `error`-severity validate action.
package hooks

import (
	"context"
	"strconv"
	"time"

	"github.com/flowtestlabs/flowtest/internal/auth"
	"github.com/flowtestlabs/flowtest/internal/capture"
	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/expr"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/jsvm"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

const maxWaitMs = 60_000

// CallFunc delegates a `call` HookAction to the call service. It is
// injected rather than imported directly: the call service itself drives
// hook runners for the callee step, so a direct import would cycle.
type CallFunc func(ctx context.Context, spec *model.CallSpec, sc *scope.Scope, depth int) (map[string]model.Value, error)

// Runner executes HookActions for one step.
type Runner struct {
	interp  *interp.Service
	capture *capture.Engine
	bus     *logbus.Bus
	call    CallFunc
}

// New builds a Runner sharing the given interpolation/capture services
// and log bus.
func New(svc *interp.Service, cap *capture.Engine, bus *logbus.Bus, call CallFunc) *Runner {
	return &Runner{interp: svc, capture: cap, bus: bus, call: call}
}

// RunContext carries the per-call state an action may need beyond the
// scope itself: the identifiers to stamp on log events and the capture
// context for `capture` actions sourced from execution state.
type RunContext struct {
	RunID       string
	NodeID      string
	StepName    string
	CaptureCtx  capture.Context
	CallDepth   int
}

// Run executes every action at one hook point in declaration order. A
// failing `error`-severity validate stops subsequent actions at this
// hook point and returns a *errs.Error with Code HookValidationFailed.
func (r *Runner) Run(ctx context.Context, point model.HookPoint, actions []model.HookAction, sc *scope.Scope, rc RunContext) error {
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return errs.New(errs.KindLifecycle, errs.CodeCancelled, "hook run cancelled", err)
		}
		if err := r.runOne(ctx, action, sc, rc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, action model.HookAction, sc *scope.Scope, rc RunContext) error {
	switch action.Type {
	case "compute":
		return r.runCompute(action, sc, rc)
	case "capture":
		_, err := r.capture.Capture(action.Capture, rc.CaptureCtx, sc)
		return err
	case "exports":
		return r.capture.PromoteExports(action.Exports, sc, func(name string) {
			r.bus.Publish(logbus.PublishInput{
				RunID: rc.RunID, Level: logbus.LevelWarn,
				Message: "export \"" + name + "\" overwrote an existing global",
				NodeID:  rc.NodeID, StepName: rc.StepName,
			})
		})
	case "validate":
		return r.runValidate(action, sc, rc)
	case "log":
		return r.runLog(action, sc, rc)
	case "metric":
		return r.runMetric(action, sc, rc)
	case "script":
		return r.runScript(action, sc, rc)
	case "call":
		return r.runCall(ctx, action, sc, rc)
	case "wait":
		return r.runWait(ctx, action, sc)
	case "auth":
		return r.runAuth(ctx, action, sc)
	default:
		return errs.New(errs.KindLifecycle, errs.CodeHookValidationFailed, "unknown hook action type: "+action.Type, nil)
	}
}

// runCompute evaluates `$`-prefixed sources as JavaScript with the scope's
// variables bound (as in evalBoolean) and interpolates every other source.
func (r *Runner) runCompute(action model.HookAction, sc *scope.Scope, rc RunContext) error {
	for name, source := range action.Compute {
		var v model.Value
		var err error
		if c, cerr := expr.Classify(source); cerr == nil && c.Category == expr.CategoryJS {
			vars := sc.Snapshot()
			v, _, err = jsvm.Eval(c.Payload, expr.IsCodeBlock(c.Payload), jsvm.Bindings{
				Variables: vars, Captured: rc.CaptureCtx.CapturedVariables,
				Response: rc.CaptureCtx.Response, Extra: vars,
			}, jsvm.Options{})
		} else {
			v, err = r.interp.ResolveValue(model.String(source), sc)
		}
		if err != nil {
			return err
		}
		sc.SetLocal(name, v)
	}
	return nil
}

func (r *Runner) runValidate(action model.HookAction, sc *scope.Scope, rc RunContext) error {
	for _, v := range action.Validations {
		ok, err := evalBoolean(v.Expression, sc, rc)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		msg, _ := r.interp.ResolveString(v.Message, sc)
		severity := v.Severity
		if severity == "" {
			severity = "error"
		}
		level := logbus.LevelWarn
		if severity == "error" {
			level = logbus.LevelError
		}
		r.bus.Publish(logbus.PublishInput{
			RunID: rc.RunID, Level: level, Message: msg,
			NodeID: rc.NodeID, StepName: rc.StepName,
		})
		if severity == "error" {
			return errs.New(errs.KindLifecycle, errs.CodeHookValidationFailed, msg, nil)
		}
	}
	return nil
}

// evalBoolean evaluates a validate expression (a JS boolean) with the
// current scope's variables bound, both under `variables` and as
// top-level identifiers.
func evalBoolean(expression string, sc *scope.Scope, rc RunContext) (bool, error) {
	isBlock := expr.IsCodeBlock(expression)
	vars := sc.Snapshot()
	v, _, err := jsvm.Eval(expression, isBlock, jsvm.Bindings{
		Variables: vars,
		Captured:  rc.CaptureCtx.CapturedVariables,
		Response:  rc.CaptureCtx.Response,
		Extra:     vars,
	}, jsvm.Options{})
	if err != nil {
		return false, err
	}
	b, _ := v.Bool()
	return b, nil
}

func (r *Runner) runLog(action model.HookAction, sc *scope.Scope, rc RunContext) error {
	msg, err := r.interp.ResolveString(action.Message, sc)
	if err != nil {
		return err
	}
	level := logbus.Level(action.Level)
	if level == "" {
		level = logbus.LevelInfo
	}
	r.bus.Publish(logbus.PublishInput{
		RunID: rc.RunID, Level: level, Message: msg,
		NodeID: rc.NodeID, StepName: rc.StepName, Metadata: action.Metadata,
	})
	return nil
}

func (r *Runner) runMetric(action model.HookAction, sc *scope.Scope, rc RunContext) error {
	metadata := map[string]interface{}{
		"metric_name":  action.MetricName,
		"metric_value": action.MetricValue,
	}
	r.bus.Publish(logbus.PublishInput{
		RunID: rc.RunID, Level: logbus.LevelInfo, Message: "metric: " + action.MetricName,
		NodeID: rc.NodeID, StepName: rc.StepName, Metadata: metadata,
	})
	return nil
}

func (r *Runner) runScript(action model.HookAction, sc *scope.Scope, rc RunContext) error {
	isBlock := expr.IsCodeBlock(action.Script)
	_, logs, err := jsvm.Eval(action.Script, isBlock, jsvm.Bindings{
		Variables: rc.CaptureCtx.Variables,
		Captured:  rc.CaptureCtx.CapturedVariables,
		Response:  rc.CaptureCtx.Response,
	}, jsvm.Options{EnableConsole: true})
	for _, line := range logs {
		r.bus.Publish(logbus.PublishInput{
			RunID: rc.RunID, Level: logbus.LevelDebug, Message: line,
			NodeID: rc.NodeID, StepName: rc.StepName,
		})
	}
	return err
}

func (r *Runner) runCall(ctx context.Context, action model.HookAction, sc *scope.Scope, rc RunContext) error {
	if r.call == nil || action.Call == nil {
		return nil
	}
	_, err := r.call(ctx, action.Call, sc, rc.CallDepth+1)
	return err
}

// runAuth resolves the auth spec's fields, mints an Authorization header
// value, and stores it in the runtime layer under save_as.
func (r *Runner) runAuth(ctx context.Context, action model.HookAction, sc *scope.Scope) error {
	if action.Auth == nil {
		return errs.New(errs.KindConfiguration, errs.CodeMissingField, "auth action requires an auth block", nil)
	}
	spec := *action.Auth
	for _, field := range []*string{&spec.Token, &spec.Username, &spec.Password, &spec.TokenURL, &spec.ClientID, &spec.ClientSecret} {
		resolved, err := r.interp.ResolveString(*field, sc)
		if err != nil {
			return err
		}
		*field = resolved
	}
	header, err := auth.Header(ctx, spec)
	if err != nil {
		return err
	}
	sc.SetLocal(spec.SaveAs, model.String(header))
	return nil
}

func (r *Runner) runWait(ctx context.Context, action model.HookAction, sc *scope.Scope) error {
	resolved, err := r.interp.ResolveString(action.WaitMs, sc)
	if err != nil {
		return err
	}
	ms, err := strconv.Atoi(resolved)
	if err != nil {
		return errs.New(errs.KindLifecycle, errs.CodeInputError, "wait_ms did not resolve to an integer: "+resolved, err)
	}
	if ms > maxWaitMs {
		ms = maxWaitMs
	}
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return errs.New(errs.KindLifecycle, errs.CodeCancelled, "wait cancelled", ctx.Err())
	}
}
