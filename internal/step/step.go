// Package step drives one step's lifecycle: the
// per-step state machine that drives input collection, the HTTP request,
// scenario matching, assertion, capture, and retry with backoff.
package step

import (
	"context"
	"strings"
	"time"

	"github.com/flowtestlabs/flowtest/internal/assertengine"
	"github.com/flowtestlabs/flowtest/internal/capture"
	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/expr"
	"github.com/flowtestlabs/flowtest/internal/hooks"
	"github.com/flowtestlabs/flowtest/internal/httpclient"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/jsvm"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

// State is one of the step lifecycle states.
type State string

const (
	StateInitial       State = "Initial"
	StateAwaitingInput State = "AwaitingInput"
	StateRequesting    State = "Requesting"
	StateAsserting     State = "Asserting"
	StateCapturing     State = "Capturing"
	StateDone          State = "Done"
	StateFailed        State = "Failed"
	StateSkipped       State = "Skipped"
	StateRetrying      State = "Retrying"
)

// InputResolver supplies a value for one InputSpec when not running
// interactively; CI mode uses ci_default, interactive mode would prompt
// (not modeled here; the engine targets automated runs).
type InputResolver func(spec model.InputSpec) (model.Value, error)

// Executor drives a single step's state machine.
type Executor struct {
	http      *httpclient.Invoker
	assert    *assertengine.Engine
	capture   *capture.Engine
	interp    *interp.Service
	hooks     *hooks.Runner
	bus       *logbus.Bus
	resolveInput InputResolver
	call      hooks.CallFunc
}

// New builds a step Executor sharing the given collaborators.
func New(http *httpclient.Invoker, assertEngine *assertengine.Engine, captureEngine *capture.Engine, svc *interp.Service, hookRunner *hooks.Runner, bus *logbus.Bus, resolveInput InputResolver, call hooks.CallFunc) *Executor {
	if resolveInput == nil {
		resolveInput = defaultInputResolver
	}
	return &Executor{
		http: http, assert: assertEngine, capture: captureEngine,
		interp: svc, hooks: hookRunner, bus: bus,
		resolveInput: resolveInput, call: call,
	}
}

func defaultInputResolver(spec model.InputSpec) (model.Value, error) {
	if spec.CIDefault != nil {
		return model.FromRaw(spec.CIDefault), nil
	}
	if spec.Required {
		return model.Null(), errs.New(errs.KindLifecycle, errs.CodeInputError, "missing required input: "+spec.Name, nil)
	}
	return model.Null(), nil
}

// Run executes one step (including iterate-expansion) and returns its
// frozen StepResult.
func (e *Executor) Run(ctx context.Context, st model.Step, sc *scope.Scope, rc hooks.RunContext, suiteContinueOnFailure bool) model.StepResult {
	if st.Iterate == nil {
		return e.runOnce(ctx, st, sc, rc, suiteContinueOnFailure, nil)
	}

	items, err := e.expandIterate(st.Iterate, sc)
	if err != nil {
		return model.StepResult{StepName: st.Name, Status: model.StatusError, Error: err.Error()}
	}

	var last model.StepResult
	for i, item := range items {
		if ctx.Err() != nil {
			return model.StepResult{StepName: st.Name, Status: model.StatusCancelled}
		}
		sc.PushLayer()
		sc.SetLocal("index", model.Number(float64(i)))
		sc.SetLocal("item", item)
		last = e.runOnce(ctx, st, sc, rc, suiteContinueOnFailure, &i)
		sc.PopLayer()
		if last.Status == model.StatusFailure && !st.ContinueOnFailureOr(suiteContinueOnFailure) {
			break
		}
	}
	return last
}

func (e *Executor) expandIterate(spec *model.IterateSpec, sc *scope.Scope) ([]model.Value, error) {
	if spec.Count > 0 {
		out := make([]model.Value, spec.Count)
		for i := range out {
			out[i] = model.Number(float64(i))
		}
		return out, nil
	}
	v, err := e.interp.ResolveValue(model.String(spec.Over), sc)
	if err != nil {
		return nil, err
	}
	arr, ok := v.Array()
	if !ok {
		return nil, errs.New(errs.KindLifecycle, errs.CodeInputError, "iterate.over did not resolve to an array", nil)
	}
	return arr, nil
}

func (e *Executor) runOnce(ctx context.Context, st model.Step, sc *scope.Scope, rc hooks.RunContext, suiteContinueOnFailure bool, iterIdx *int) model.StepResult {
	start := time.Now()
	attempts := 0
	maxAttempts := 1
	var retrySpec model.RetrySpec
	if st.Retry != nil {
		retrySpec = *st.Retry
		maxAttempts = retrySpec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
	}

	var result model.StepResult
	for attempts < maxAttempts {
		attempts++
		if ctx.Err() != nil {
			return model.StepResult{StepName: st.Name, Status: model.StatusCancelled, Attempts: attempts}
		}

		result = e.attempt(ctx, st, sc, rc, suiteContinueOnFailure)
		result.Attempts = attempts

		if result.Status != model.StatusFailure && result.Status != model.StatusError {
			break
		}
		transient := result.Status == model.StatusError || (retrySpec.OnAssertionFailure && result.Status == model.StatusFailure)
		if !transient || attempts >= maxAttempts {
			break
		}
		delay := time.Duration(float64(retrySpec.EffectiveDelay()) * pow(retrySpec.EffectiveMultiplier(), attempts-1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.Status = model.StatusCancelled
			return result
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// attempt runs one pass of the step body: pre_input..post_iteration hook
// points wrapped around input collection, the request, scenario
// matching, assertion and capture.
func (e *Executor) attempt(ctx context.Context, st model.Step, sc *scope.Scope, rc hooks.RunContext, suiteContinueOnFailure bool) model.StepResult {
	result := model.StepResult{StepName: st.Name}

	if err := e.runHook(ctx, model.HookPreInput, st, sc, rc); err != nil {
		return failResult(result, err)
	}
	inputValues, err := e.collectInput(st.Input)
	if err != nil {
		return failResult(result, err)
	}
	for k, v := range inputValues {
		sc.SetLocal(k, v)
	}
	if err := e.runHook(ctx, model.HookPostInput, st, sc, rc); err != nil {
		return failResult(result, err)
	}
	if err := e.runHook(ctx, model.HookPreIteration, st, sc, rc); err != nil {
		return failResult(result, err)
	}

	var response *httpclient.Response
	var callResult model.Value
	switch {
	case st.Request != nil:
		if err := e.runHook(ctx, model.HookPreRequest, st, sc, rc); err != nil {
			return failResult(result, err)
		}
		response, err = e.doRequest(ctx, st.Request, sc)
		if err != nil {
			result.Error = err.Error()
			result.Status = model.StatusError
			return result
		}
		result.ResponseDetails = map[string]interface{}{
			"status_code": response.Status, "headers": response.Headers,
			"body": response.Body.Raw(), "response_time_ms": response.ResponseTimeMs,
		}
		if err := e.runHook(ctx, model.HookPostRequest, st, sc, rc); err != nil {
			return failResult(result, err)
		}
	case st.Call != nil:
		if e.call == nil {
			return failResult(result, errs.New(errs.KindCall, errs.CodeTargetNotFound, "call action configured but no call service wired", nil))
		}
		propagated, err := e.call(ctx, st.Call, sc, rc.CallDepth+1)
		if err != nil {
			return failResult(result, err)
		}
		obj := make(map[string]model.Value, len(propagated))
		for k, v := range propagated {
			sc.SetLocal(k, v)
			obj[k] = v
		}
		callResult = model.Object(obj)
	}

	assertSpec := st.Assert
	captureExprs := st.Capture
	scenarioMetas := make([]model.ScenarioMeta, 0, len(st.Scenarios))
	if len(st.Scenarios) > 0 && response != nil {
		matchedAny := false
		for _, sn := range st.Scenarios {
			matched := !matchedAny && evalCondition(sn.Condition, response, sc)
			meta := model.ScenarioMeta{Condition: sn.Condition, Matched: matched, Executed: matched}
			scenarioMetas = append(scenarioMetas, meta)
			if matched {
				matchedAny = true
				if sn.Assert != nil {
					assertSpec = sn.Assert
				}
				if sn.Capture != nil {
					captureExprs = sn.Capture
				}
			}
		}
	}
	result.ScenariosMeta = scenarioMetas

	if err := e.runHook(ctx, model.HookPreAssertion, st, sc, rc); err != nil {
		return failResult(result, err)
	}
	assertPassed := true
	if assertSpec != nil && response != nil {
		results, err := e.runAssertions(assertSpec, response)
		if err != nil {
			return failResult(result, err)
		}
		result.AssertionsResults = results
		for _, ar := range results {
			if !ar.Passed {
				assertPassed = false
			}
		}
	}
	if err := e.runHook(ctx, model.HookPostAssertion, st, sc, rc); err != nil {
		return failResult(result, err)
	}

	failed := !assertPassed
	continueOnFailure := st.ContinueOnFailureOr(suiteContinueOnFailure)

	if !failed || continueOnFailure {
		if err := e.runHook(ctx, model.HookPreCapture, st, sc, rc); err != nil {
			return failResult(result, err)
		}
		if len(captureExprs) > 0 {
			captureCtx := capture.Context{
				Variables:  sc.Snapshot(),
				CallResult: callResult,
			}
			if response != nil {
				captureCtx.Response = response.Body
			}
			captured, err := e.capture.Capture(captureExprs, captureCtx, sc)
			if err != nil {
				return failResult(result, err)
			}
			result.CapturedVariables = rawMap(captured)
		}
		if err := e.runHook(ctx, model.HookPostCapture, st, sc, rc); err != nil {
			return failResult(result, err)
		}
	}

	if err := e.runHook(ctx, model.HookPostIteration, st, sc, rc); err != nil {
		return failResult(result, err)
	}

	if failed {
		result.Status = model.StatusFailure
	} else {
		result.Status = model.StatusSuccess
	}
	return result
}


func rawMap(m map[string]model.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Raw()
	}
	return out
}

func failResult(result model.StepResult, err error) model.StepResult {
	result.Error = err.Error()
	result.Status = model.StatusError
	return result
}

func (e *Executor) runHook(ctx context.Context, point model.HookPoint, st model.Step, sc *scope.Scope, rc hooks.RunContext) error {
	actions := st.Hooks[point]
	if len(actions) == 0 {
		return nil
	}
	return e.hooks.Run(ctx, point, actions, sc, rc)
}

func (e *Executor) collectInput(specs []model.InputSpec) (map[string]model.Value, error) {
	out := make(map[string]model.Value, len(specs))
	for _, spec := range specs {
		v, err := e.resolveInput(spec)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = v
	}
	return out, nil
}

func (e *Executor) doRequest(ctx context.Context, spec *model.RequestSpec, sc *scope.Scope) (*httpclient.Response, error) {
	method, err := e.interp.ResolveString(spec.Method, sc)
	if err != nil {
		return nil, err
	}
	url, err := e.interp.ResolveString(spec.URL, sc)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(spec.Headers))
	for k, v := range spec.Headers {
		rv, err := e.interp.ResolveString(v, sc)
		if err != nil {
			return nil, err
		}
		headers[k] = rv
	}
	query := make(map[string]string, len(spec.Query))
	for k, v := range spec.Query {
		rv, err := e.interp.ResolveString(v, sc)
		if err != nil {
			return nil, err
		}
		query[k] = rv
	}
	var body interface{}
	if spec.Body != nil {
		resolved, err := e.interp.ResolveValue(model.FromRaw(spec.Body), sc)
		if err != nil {
			return nil, err
		}
		body = resolved.Raw()
	}

	req := httpclient.Request{
		Method:  method,
		URL:     url,
		Headers: headers,
		Query:   query,
		Body:    body,
	}
	if spec.TimeoutMs > 0 {
		req.Timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	if spec.TLS != nil {
		req.TLS = &httpclient.TLSConfig{
			MinVersion: spec.TLS.MinVersion, MaxVersion: spec.TLS.MaxVersion,
			CertPath: spec.TLS.CertPath, KeyPath: spec.TLS.KeyPath,
			PFXPath: spec.TLS.PFXPath, Passphrase: spec.TLS.Passphrase,
			CABundle: spec.TLS.CABundle, Verify: spec.TLS.Verify,
		}
	}
	return e.http.Do(ctx, req)
}

func (e *Executor) runAssertions(spec *model.AssertSpec, resp *httpclient.Response) ([]model.AssertionResult, error) {
	var out []model.AssertionResult
	if len(spec.StatusCode) > 0 {
		results, err := e.assert.EvaluateField("status_code", model.Number(float64(resp.Status)), spec.StatusCode)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	for field, checks := range spec.Headers {
		actual := model.String(headerValue(resp.Headers, field))
		results, err := e.assert.EvaluateField("headers."+field, actual, checks)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	for path, checks := range spec.Body {
		actual := resolveBodyPath(resp.Body, path)
		results, err := e.assert.EvaluateField("body."+path, actual, checks)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func headerValue(headers map[string][]string, name string) string {
	if vs, ok := headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func resolveBodyPath(body model.Value, path string) model.Value {
	if path == "" {
		return body
	}
	current := body
	for _, seg := range splitPath(path) {
		obj, ok := current.Object()
		if !ok {
			return model.Null()
		}
		v, ok := obj[seg]
		if !ok {
			return model.Null()
		}
		current = v
	}
	return current
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func evalCondition(condition string, resp *httpclient.Response, sc *scope.Scope) bool {
	isBlock := expr.IsCodeBlock(condition)
	vars := sc.Snapshot()
	v, _, err := jsvm.Eval(condition, isBlock, jsvm.Bindings{
		Variables: vars,
		Response:  resp.Body,
		Extra:     vars,
	}, jsvm.Options{})
	if err != nil {
		return false
	}
	b, _ := v.Bool()
	return b
}
