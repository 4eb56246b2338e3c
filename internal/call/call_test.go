package call

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
	"github.com/flowtestlabs/flowtest/internal/step"
	"github.com/flowtestlabs/flowtest/internal/suiteexec"
)

// wired builds a fully-connected call.Service the way an orchestrator
// would, with step and suite executors sharing one interp/capture/bus
// and the service's own AsCallFunc fed back into them for nested calls.
func wired(registry *Registry, globals *scope.Globals) (*Service, *step.Executor) {
	svc := interp.New()
	captureEngine := capture.New(svc)
	bus := logbus.New()

	var callService *Service
	callFunc := func(ctx context.Context, spec *model.CallSpec, sc *scope.Scope, depth int) (map[string]model.Value, error) {
		return callService.Call(ctx, "run1", spec, sc, depth)
	}

	hookRunner := hooks.New(svc, captureEngine, bus, callFunc)
	stepExec := step.New(httpclient.New(), assertengine.New(), captureEngine, svc, hookRunner, bus, nil, callFunc)
	suiteExec := suiteexec.New(stepExec, svc, captureEngine, bus)

	callService = New(registry, stepExec, suiteExec, svc, globals, nil)
	return callService, stepExec
}

func TestCallSameSuiteStepByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "42"}`))
	}))
	defer srv.Close()

	registry := NewRegistry()
	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Steps: []model.Step{
			{Name: "fetch", Request: &model.RequestSpec{Method: "GET", URL: srv.URL}, Capture: map[string]string{"id": "@response.id"}},
		},
	}
	registry.Add(suite)

	svc, _ := wired(registry, scope.NewGlobals())
	callerScope := scope.New("suiteA", scope.NewGlobals(), nil, nil)

	propagated, err := svc.Call(context.Background(), "run1", &model.CallSpec{Target: "fetch"}, callerScope, 1)
	require.NoError(t, err)
	assert.Equal(t, "42", propagated["id"].String())
}

func TestCallCrossSuiteStepByDottedTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token": "abc"}`))
	}))
	defer srv.Close()

	registry := NewRegistry()
	registry.Add(model.Suite{
		NodeID: "auth", SuiteName: "Auth",
		Steps: []model.Step{
			{Name: "login", Request: &model.RequestSpec{Method: "POST", URL: srv.URL}, Capture: map[string]string{"token": "@response.token"}},
		},
	})

	globals := scope.NewGlobals()
	svc, _ := wired(registry, globals)
	callerScope := scope.New("suiteB", globals, nil, nil)

	propagated, err := svc.Call(context.Background(), "run1", &model.CallSpec{Target: "auth.login"}, callerScope, 1)
	require.NoError(t, err)
	assert.Equal(t, "abc", propagated["token"].String())
}

func TestCallMaxDepthExceeded(t *testing.T) {
	registry := NewRegistry()
	registry.Add(model.Suite{NodeID: "suiteA", SuiteName: "Suite A", Steps: []model.Step{{Name: "noop"}}})
	svc, _ := wired(registry, scope.NewGlobals())
	callerScope := scope.New("suiteA", scope.NewGlobals(), nil, nil)

	_, err := svc.Call(context.Background(), "run1", &model.CallSpec{Target: "noop"}, callerScope, 11)
	assert.Error(t, err)
}

func TestCallCircularCallDetected(t *testing.T) {
	registry := NewRegistry()
	registry.Add(model.Suite{NodeID: "suiteA", SuiteName: "Suite A", Steps: []model.Step{{Name: "noop"}}})
	svc, _ := wired(registry, scope.NewGlobals())
	callerScope := scope.New("suiteA", scope.NewGlobals(), nil, nil)

	ctx := withStack(context.Background(), []string{"noop"})
	_, err := svc.Call(ctx, "run1", &model.CallSpec{Target: "noop"}, callerScope, 2)
	assert.Error(t, err)
}

func TestCallTargetNotFound(t *testing.T) {
	registry := NewRegistry()
	registry.Add(model.Suite{NodeID: "suiteA", SuiteName: "Suite A", Steps: []model.Step{{Name: "noop"}}})
	svc, _ := wired(registry, scope.NewGlobals())
	callerScope := scope.New("suiteA", scope.NewGlobals(), nil, nil)

	_, err := svc.Call(context.Background(), "run1", &model.CallSpec{Target: "does_not_exist"}, callerScope, 1)
	assert.Error(t, err)
}

func TestCallWithArgsMergesIntoChildScope(t *testing.T) {
	var sawHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get("X-User")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := NewRegistry()
	registry.Add(model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Steps: []model.Step{
			{Name: "ping", Request: &model.RequestSpec{Method: "GET", URL: srv.URL, Headers: map[string]string{"X-User": "{{user_id}}"}}},
		},
	})
	svc, _ := wired(registry, scope.NewGlobals())
	callerScope := scope.New("suiteA", scope.NewGlobals(), nil, nil)

	_, err := svc.Call(context.Background(), "run1", &model.CallSpec{Target: "ping", With: map[string]interface{}{"user_id": "u-1"}}, callerScope, 1)
	require.NoError(t, err)
	assert.Equal(t, "u-1", sawHeader)
}
