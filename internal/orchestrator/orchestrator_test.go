package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

type stubSuiteRunner struct {
	mu      sync.Mutex
	started []string
	results map[string]model.SuiteResult
	delay   time.Duration
}

func (s *stubSuiteRunner) Run(ctx context.Context, runID string, suite model.Suite, globals *scope.Globals, env scope.Env, callDepth int) model.SuiteResult {
	s.mu.Lock()
	s.started = append(s.started, suite.NodeID)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return model.SuiteResult{NodeID: suite.NodeID, SuiteName: suite.SuiteName, Status: model.StatusCancelled}
		}
	}

	if r, ok := s.results[suite.NodeID]; ok {
		return r
	}
	return model.SuiteResult{NodeID: suite.NodeID, SuiteName: suite.SuiteName, Status: model.StatusSuccess, StepsExecuted: 1, StepsSuccessful: 1}
}

func TestRunExecutesAllSuitesAndAggregates(t *testing.T) {
	stub := &stubSuiteRunner{results: map[string]model.SuiteResult{}}
	o := New(stub, scope.NewGlobals(), logbus.New(), nil)

	suites := []model.Suite{
		{NodeID: "a", SuiteName: "A", Steps: []model.Step{{Name: "one"}}},
		{NodeID: "b", SuiteName: "B", Steps: []model.Step{{Name: "one"}}},
	}

	result, err := o.Run(context.Background(), "run1", Config{}, suites)
	require.NoError(t, err)
	assert.Len(t, result.SuitesResults, 2)
	assert.Equal(t, 2, result.TotalTests)
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	stub := &stubSuiteRunner{results: map[string]model.SuiteResult{}, delay: 10 * time.Millisecond}
	o := New(stub, scope.NewGlobals(), logbus.New(), nil)

	suites := []model.Suite{
		{NodeID: "a", SuiteName: "A", Steps: []model.Step{{Name: "one"}}},
		{NodeID: "b", SuiteName: "B", DependsOn: []string{"a"}, Steps: []model.Step{{Name: "one"}}},
	}

	_, err := o.Run(context.Background(), "run1", Config{Workers: 4}, suites)
	require.NoError(t, err)

	require.Len(t, stub.started, 2)
	assert.Equal(t, "a", stub.started[0])
	assert.Equal(t, "b", stub.started[1])
}

func TestRunSkipsDownstreamOfFailedSuite(t *testing.T) {
	stub := &stubSuiteRunner{results: map[string]model.SuiteResult{
		"a": {NodeID: "a", SuiteName: "A", Status: model.StatusFailure},
	}}
	o := New(stub, scope.NewGlobals(), logbus.New(), nil)

	suites := []model.Suite{
		{NodeID: "a", SuiteName: "A", Steps: []model.Step{{Name: "one"}}},
		{NodeID: "b", SuiteName: "B", DependsOn: []string{"a"}, Steps: []model.Step{{Name: "one"}}},
	}

	result, _ := o.Run(context.Background(), "run1", Config{ContinueOnFailure: true}, suites)

	byID := map[string]model.SuiteResult{}
	for _, r := range result.SuitesResults {
		byID[r.NodeID] = r
	}
	assert.Equal(t, model.StatusFailure, byID["a"].Status)
	assert.Equal(t, model.StatusSkipped, byID["b"].Status)
	assert.Equal(t, "upstream_failed", byID["b"].SkipReason)
}

func TestRunAppliesNodeIDFilter(t *testing.T) {
	stub := &stubSuiteRunner{results: map[string]model.SuiteResult{}}
	o := New(stub, scope.NewGlobals(), logbus.New(), nil)

	suites := []model.Suite{
		{NodeID: "a", SuiteName: "A", Steps: []model.Step{{Name: "one"}}},
		{NodeID: "b", SuiteName: "B", Steps: []model.Step{{Name: "one"}}},
	}

	result, err := o.Run(context.Background(), "run1", Config{Filters: Filters{NodeIDs: []string{"a"}}}, suites)
	require.NoError(t, err)
	require.Len(t, result.SuitesResults, 1)
	assert.Equal(t, "a", result.SuitesResults[0].NodeID)
}

func TestRunGlobalTimeoutCancelsInFlightSuites(t *testing.T) {
	stub := &stubSuiteRunner{results: map[string]model.SuiteResult{}, delay: 200 * time.Millisecond}
	o := New(stub, scope.NewGlobals(), logbus.New(), nil)

	suites := []model.Suite{
		{NodeID: "a", SuiteName: "A", Steps: []model.Step{{Name: "one"}}},
	}

	result, _ := o.Run(context.Background(), "run1", Config{Timeout: 20 * time.Millisecond}, suites)
	require.Len(t, result.SuitesResults, 1)
	assert.Equal(t, model.StatusCancelled, result.SuitesResults[0].Status)
}
