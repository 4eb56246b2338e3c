package suiteexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtestlabs/flowtest/internal/capture"
	"github.com/flowtestlabs/flowtest/internal/hooks"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

type stubStepRunner struct {
	results map[string]model.StepResult
	seen    []string
	calls   int
}

func (s *stubStepRunner) Run(ctx context.Context, st model.Step, sc *scope.Scope, rc hooks.RunContext, suiteContinueOnFailure bool) model.StepResult {
	s.calls++
	s.seen = append(s.seen, st.Name)
	if r, ok := s.results[st.Name]; ok {
		return r
	}
	return model.StepResult{StepName: st.Name, Status: model.StatusSuccess}
}

func newTestExecutor(stub *stubStepRunner) *Executor {
	svc := interp.New()
	cap := capture.New(svc)
	bus := logbus.New()
	return &Executor{steps: stub, interp: svc, capture: cap, bus: bus}
}

func TestRunExecutesStepsInOrder(t *testing.T) {
	stub := &stubStepRunner{results: map[string]model.StepResult{}}
	ex := newTestExecutor(stub)
	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Steps: []model.Step{{Name: "one"}, {Name: "two"}, {Name: "three"}},
	}

	result := ex.Run(context.Background(), "run1", suite, scope.NewGlobals(), nil, 0)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, []string{"one", "two", "three"}, stub.seen)
	assert.Equal(t, 3, result.StepsExecuted)
}

func TestRunStopsOnFailureWithoutContinue(t *testing.T) {
	stub := &stubStepRunner{results: map[string]model.StepResult{
		"two": {StepName: "two", Status: model.StatusFailure},
	}}
	ex := newTestExecutor(stub)
	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Steps: []model.Step{{Name: "one"}, {Name: "two"}, {Name: "three"}},
	}

	result := ex.Run(context.Background(), "run1", suite, scope.NewGlobals(), nil, 0)
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.Equal(t, []string{"one", "two"}, stub.seen)
}

func TestRunContinuesOnFailureWhenSuiteDefaultAllows(t *testing.T) {
	stub := &stubStepRunner{results: map[string]model.StepResult{
		"two": {StepName: "two", Status: model.StatusFailure},
	}}
	ex := newTestExecutor(stub)
	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A", ContinueOnFailure: true,
		Steps: []model.Step{{Name: "one"}, {Name: "two"}, {Name: "three"}},
	}

	ex.Run(context.Background(), "run1", suite, scope.NewGlobals(), nil, 0)
	assert.Equal(t, []string{"one", "two", "three"}, stub.seen)
}

func TestRunWithSuiteVariablesSucceeds(t *testing.T) {
	stub := &stubStepRunner{results: map[string]model.StepResult{}}
	ex := newTestExecutor(stub)
	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Variables: map[string]interface{}{"base_url": "http://example.test"},
		Steps:     []model.Step{{Name: "one"}},
	}
	result := ex.Run(context.Background(), "run1", suite, scope.NewGlobals(), nil, 0)
	assert.Equal(t, model.StatusSuccess, result.Status)
}

func TestRunPromotesExportsOnSuccess(t *testing.T) {
	stub := &stubStepRunner{
		results: map[string]model.StepResult{},
	}
	ex := newTestExecutor(stub)
	globals := scope.NewGlobals()
	globals.Export("suiteA", "token", model.String("xyz"))

	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Exports: []string{"token"},
		Steps:   []model.Step{{Name: "one"}},
	}

	result := ex.Run(context.Background(), "run1", suite, globals, nil, 0)
	assert.Equal(t, model.StatusSuccess, result.Status)
	v, ok := globals.Get("suiteA", "token")
	require.True(t, ok)
	assert.Equal(t, "xyz", v.String())
}

func TestRunCancelledContextMarksCancelled(t *testing.T) {
	stub := &stubStepRunner{results: map[string]model.StepResult{}}
	ex := newTestExecutor(stub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	suite := model.Suite{
		NodeID: "suiteA", SuiteName: "Suite A",
		Steps: []model.Step{{Name: "one"}},
	}
	result := ex.Run(ctx, "run1", suite, scope.NewGlobals(), nil, 0)
	assert.Equal(t, model.StatusFailure, result.Status)
	require.Len(t, result.StepsResults, 1)
	assert.Equal(t, model.StatusCancelled, result.StepsResults[0].Status)
}
