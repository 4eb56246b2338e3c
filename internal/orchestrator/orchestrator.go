// Package orchestrator schedules a discovered suite set: filter,
// dispatch across a bounded worker pool while respecting depends_on[]
// ordering, aggregate a RunResult and drive the log bus's run session.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowtestlabs/flowtest/internal/discovery"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

// errSuiteFailed is a purely internal control-flow signal that tells the
// errgroup to stop accepting new dispatches once a suite has failed
// without continue_on_failure; it never reaches a caller of Run.
func errSuiteFailed(nodeID string) error {
	return fmt.Errorf("suite %s failed", nodeID)
}

const (
	defaultWorkers = 4
	maxWorkers     = 16
)

// SuiteRunner is the subset of suiteexec.Executor's surface the
// orchestrator needs; an interface so tests can stub it without standing
// up the full step/call stack.
type SuiteRunner interface {
	Run(ctx context.Context, runID string, suite model.Suite, globals *scope.Globals, env scope.Env, callDepth int) model.SuiteResult
}

// Filters narrows which discovered suites participate in a run.
// Filters.Tags is accepted for forward compatibility, but only NodeIDs
// and Priorities are enforced against the current Suite schema.
type Filters struct {
	Tags       []string
	Priorities []model.Priority
	NodeIDs    []string
}

func (f Filters) matches(s model.Suite) bool {
	if len(f.NodeIDs) > 0 && !containsString(f.NodeIDs, s.NodeID) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, s.EffectivePriority()) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsPriority(list []model.Priority, v model.Priority) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Config configures one orchestrator run.
type Config struct {
	Roots             []string
	Filters           Filters
	Workers           int
	ContinueOnFailure bool
	Timeout           time.Duration
	Env               scope.Env
	ProjectName       string
}

func (c Config) effectiveWorkers() int {
	if c.Workers <= 0 {
		return defaultWorkers
	}
	if c.Workers > maxWorkers {
		return maxWorkers
	}
	return c.Workers
}

// Orchestrator wires discovery, filtering, worker dispatch and result
// aggregation together.
type Orchestrator struct {
	suites  SuiteRunner
	globals *scope.Globals
	bus     *logbus.Bus
	logger  *zap.Logger
}

// New builds an Orchestrator. Domain events (suite/step lifecycle) go
// through bus; logger carries only operational diagnostics and may be
// nil.
func New(suiteExecutor SuiteRunner, globals *scope.Globals, bus *logbus.Bus, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{suites: suiteExecutor, globals: globals, bus: bus, logger: logger}
}

type suiteOutcome struct {
	result model.SuiteResult
}

// Run filters the already-discovered schemaSuites, orders them with
// discovery.Order, and dispatches them across a bounded worker pool
// respecting depends_on[] ordering, returning the aggregated RunResult.
// cfg.Roots is not read here.
func (o *Orchestrator) Run(ctx context.Context, runID string, cfg Config, schemaSuites []model.Suite) (model.RunResult, error) {
	result := model.RunResult{ProjectName: cfg.ProjectName, StartTime: time.Now()}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	filtered := make([]model.Suite, 0, len(schemaSuites))
	for _, s := range schemaSuites {
		if cfg.Filters.matches(s) {
			filtered = append(filtered, s)
		}
	}

	ordered, err := discovery.Order(filtered)
	if err != nil {
		return result, err
	}

	o.logger.Info("run starting",
		zap.String("run_id", runID),
		zap.Int("suites", len(ordered)),
		zap.Int("workers", cfg.effectiveWorkers()))

	session := o.bus.BeginSession(runID, cfg.ProjectName, "orchestrator", map[string]interface{}{"suite_count": len(ordered)})
	defer func() { session.End(sessionStatus(&result), nil) }()

	outcomes := o.dispatch(ctx, runID, ordered, cfg)

	result.SuitesResults = make([]model.SuiteResult, len(ordered))
	for i, suite := range ordered {
		result.SuitesResults[i] = outcomes[suite.NodeID].result
	}
	result.EndTime = time.Now()
	result.Finalize()

	o.bus.Publish(logbus.PublishInput{
		RunID: runID, Level: logbus.LevelInfo,
		Message: "run finished",
		Metadata: map[string]interface{}{
			"total_tests": result.TotalTests, "success_rate": result.SuccessRate,
		},
	})

	return result, nil
}

// dispatch runs every suite once all its depends_on entries have
// terminated, using an errgroup-bound worker pool so a suite failure (or
// a cancelled context) propagates cooperatively to the rest of the run
// without leaking goroutines.
func (o *Orchestrator) dispatch(ctx context.Context, runID string, ordered []model.Suite, cfg Config) map[string]*suiteOutcome {
	outcomes := make(map[string]*suiteOutcome, len(ordered))
	var mu sync.Mutex
	done := make(map[string]chan struct{}, len(ordered))
	for _, s := range ordered {
		done[s.NodeID] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.effectiveWorkers())

	for _, suite := range ordered {
		suite := suite
		g.Go(func() error {
			defer close(done[suite.NodeID])

			for _, dep := range suite.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
				}
			}

			if skipReason := upstreamFailureReason(suite, outcomes, &mu); skipReason != "" {
				mu.Lock()
				outcomes[suite.NodeID] = &suiteOutcome{result: model.SuiteResult{
					NodeID: suite.NodeID, SuiteName: suite.SuiteName, Status: model.StatusSkipped,
					Priority: suite.EffectivePriority(), SkipReason: skipReason,
					StartTime: time.Now(), EndTime: time.Now(),
				}}
				mu.Unlock()
				return nil
			}

			if gctx.Err() != nil {
				mu.Lock()
				outcomes[suite.NodeID] = &suiteOutcome{result: model.SuiteResult{
					NodeID: suite.NodeID, SuiteName: suite.SuiteName, Status: model.StatusCancelled,
					Priority: suite.EffectivePriority(), StartTime: time.Now(), EndTime: time.Now(),
				}}
				mu.Unlock()
				return nil
			}

			o.logger.Debug("suite dispatched", zap.String("node_id", suite.NodeID))
			suiteResult := o.suites.Run(gctx, runID, suite, o.globals, cfg.Env, 0)
			o.logger.Debug("suite finished",
				zap.String("node_id", suite.NodeID),
				zap.String("status", string(suiteResult.Status)))

			mu.Lock()
			outcomes[suite.NodeID] = &suiteOutcome{result: suiteResult}
			mu.Unlock()

			if !cfg.ContinueOnFailure && suiteResult.Status == model.StatusFailure {
				return errSuiteFailed(suite.NodeID)
			}
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// upstreamFailureReason returns "upstream_failed" if any of suite's
// dependencies did not succeed; downstream dependents of a failed suite
// are skipped rather than run.
func upstreamFailureReason(suite model.Suite, outcomes map[string]*suiteOutcome, mu *sync.Mutex) string {
	mu.Lock()
	defer mu.Unlock()
	for _, dep := range suite.DependsOn {
		o, ok := outcomes[dep]
		if !ok {
			continue
		}
		if o.result.Status != model.StatusSuccess {
			return "upstream_failed"
		}
	}
	return ""
}

func sessionStatus(result *model.RunResult) logbus.SessionStatus {
	if result.FailedTests == 0 {
		return logbus.SessionComplete
	}
	return logbus.SessionFailed
}
