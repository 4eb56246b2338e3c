package step

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtestlabs/flowtest/internal/assertengine"
	"github.com/flowtestlabs/flowtest/internal/capture"
	"github.com/flowtestlabs/flowtest/internal/hooks"
	"github.com/flowtestlabs/flowtest/internal/httpclient"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

func newExecutor(call hooks.CallFunc) *Executor {
	svc := interp.New()
	captureEngine := capture.New(svc)
	bus := logbus.New()
	hookRunner := hooks.New(svc, captureEngine, bus, call)
	return New(httpclient.New(), assertengine.New(), captureEngine, svc, hookRunner, bus, nil, call)
}

func newScope() *scope.Scope {
	return scope.New("suiteA", scope.NewGlobals(), nil, nil)
}

func TestRunSimpleRequestSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	ex := newExecutor(nil)
	sc := newScope()
	st := model.Step{
		Name: "ping",
		Request: &model.RequestSpec{
			Method: "GET",
			URL:    srv.URL,
		},
		Assert: &model.AssertSpec{
			StatusCode: model.CheckSet{"equals": 200},
		},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	assert.Equal(t, model.StatusSuccess, result.Status)
	require.Len(t, result.AssertionsResults, 1)
	assert.True(t, result.AssertionsResults[0].Passed)
}

func TestRunFailingAssertionMarksFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ex := newExecutor(nil)
	sc := newScope()
	st := model.Step{
		Name: "expect200",
		Request: &model.RequestSpec{
			Method: "GET",
			URL:    srv.URL,
		},
		Assert: &model.AssertSpec{
			StatusCode: model.CheckSet{"equals": 200},
		},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.False(t, result.AssertionsResults[0].Passed)
}

func TestRunCaptureStoresVariable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "abc-123"}`))
	}))
	defer srv.Close()

	ex := newExecutor(nil)
	sc := newScope()
	st := model.Step{
		Name: "create",
		Request: &model.RequestSpec{
			Method: "POST",
			URL:    srv.URL,
		},
		Capture: map[string]string{"created_id": "@response.id"},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, "abc-123", result.CapturedVariables["created_id"])
	v, err := sc.Get("created_id")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", v.String())
}

func TestRunIterateExpandsOverCount(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex := newExecutor(nil)
	sc := newScope()
	st := model.Step{
		Name:    "loop",
		Iterate: &model.IterateSpec{Count: 3},
		Request: &model.RequestSpec{Method: "GET", URL: srv.URL},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, 3, hits)
}

func TestRunScenarioMatchOverridesAssert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "retry"}`))
	}))
	defer srv.Close()

	ex := newExecutor(nil)
	sc := newScope()
	st := model.Step{
		Name:    "branching",
		Request: &model.RequestSpec{Method: "GET", URL: srv.URL},
		Scenarios: []model.Scenario{
			{
				Condition: `response.status === 'retry'`,
				Assert:    &model.AssertSpec{StatusCode: model.CheckSet{"equals": 200}},
			},
		},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	require.Len(t, result.ScenariosMeta, 1)
	assert.True(t, result.ScenariosMeta[0].Matched)
	assert.Equal(t, model.StatusSuccess, result.Status)
}

func TestRunRequiredInputMissingErrors(t *testing.T) {
	ex := newExecutor(nil)
	sc := newScope()
	st := model.Step{
		Name:  "needs-input",
		Input: []model.InputSpec{{Name: "token", Required: true}},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	assert.Equal(t, model.StatusError, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestRunCancelledContextStopsImmediately(t *testing.T) {
	ex := newExecutor(nil)
	sc := newScope()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := model.Step{Name: "x", Iterate: &model.IterateSpec{Count: 2}}
	result := ex.Run(ctx, st, sc, hooks.RunContext{}, false)
	assert.Equal(t, model.StatusCancelled, result.Status)
}

func TestRunCallDelegatesToInjectedCallFunc(t *testing.T) {
	called := false
	callFn := func(ctx context.Context, spec *model.CallSpec, sc *scope.Scope, depth int) (map[string]model.Value, error) {
		called = true
		assert.Equal(t, "other_suite.step1", spec.Target)
		assert.Equal(t, 1, depth)
		return map[string]model.Value{"result": model.String("ok")}, nil
	}
	ex := newExecutor(callFn)
	sc := newScope()
	st := model.Step{
		Name: "delegate",
		Call: &model.CallSpec{Target: "other_suite.step1"},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	assert.True(t, called)
	assert.Equal(t, model.StatusSuccess, result.Status)
	v, err := sc.Get("result")
	require.NoError(t, err)
	assert.Equal(t, "ok", v.String())
}

func TestRunScenarioConditionSeesVariables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	ex := newExecutor(nil)
	sc := newScope()
	sc.SetLocal("mode", model.String("strict"))
	st := model.Step{
		Name:    "var-branching",
		Request: &model.RequestSpec{Method: "GET", URL: srv.URL},
		Scenarios: []model.Scenario{
			{
				Condition: `variables.mode === 'strict' && response.status === 'ok'`,
				Assert:    &model.AssertSpec{StatusCode: model.CheckSet{"equals": 200}},
			},
		},
	}

	result := ex.Run(context.Background(), st, sc, hooks.RunContext{}, false)
	require.Len(t, result.ScenariosMeta, 1)
	assert.True(t, result.ScenariosMeta[0].Matched)
	assert.Equal(t, model.StatusSuccess, result.Status)
}
