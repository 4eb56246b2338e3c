package model

import "time"

// Status is the terminal state of a step, suite or run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// RunResult is the top-level output of an orchestrator run.
type RunResult struct {
	ProjectName      string        `json:"project_name"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	TotalDurationMs  int64         `json:"total_duration_ms"`
	TotalTests       int           `json:"total_tests"`
	SuccessfulTests  int           `json:"successful_tests"`
	FailedTests      int           `json:"failed_tests"`
	SkippedTests     int           `json:"skipped_tests"`
	SuccessRate      float64       `json:"success_rate"`
	SuitesResults    []SuiteResult `json:"suites_results"`

	// Environment holds the FLOW_TEST_* variables surfaced to reports.
	Environment map[string]string `json:"environment,omitempty"`
}

// Finalize computes the aggregate counters from suite results. Called
// once, after every suite has terminated (invariant: no run result is
// emitted before all suite results exist).
func (r *RunResult) Finalize() {
	r.TotalTests, r.SuccessfulTests, r.FailedTests, r.SkippedTests = 0, 0, 0, 0
	for _, sr := range r.SuitesResults {
		r.TotalTests += sr.StepsExecuted
		r.SuccessfulTests += sr.StepsSuccessful
		r.FailedTests += sr.StepsFailed
		r.SkippedTests += sr.StepsExecuted - sr.StepsSuccessful - sr.StepsFailed
	}
	if r.TotalTests > 0 {
		r.SuccessRate = 100 * float64(r.SuccessfulTests) / float64(r.TotalTests)
	}
	r.TotalDurationMs = r.EndTime.Sub(r.StartTime).Milliseconds()
}

// SuiteResult is the result of driving one suite.
type SuiteResult struct {
	NodeID          string        `json:"node_id"`
	SuiteName       string        `json:"suite_name"`
	Status          Status        `json:"status"`
	Priority        Priority      `json:"priority"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	DurationMs      int64         `json:"duration_ms"`
	StepsExecuted   int           `json:"steps_executed"`
	StepsSuccessful int           `json:"steps_successful"`
	StepsFailed     int           `json:"steps_failed"`
	SuccessRate     float64       `json:"success_rate"`
	StepsResults    []StepResult  `json:"steps_results"`
	SkipReason      string        `json:"skip_reason,omitempty"`
}

// Finalize computes step counters, called once at suite termination.
func (s *SuiteResult) Finalize() {
	s.StepsExecuted = len(s.StepsResults)
	s.StepsSuccessful, s.StepsFailed = 0, 0
	for _, st := range s.StepsResults {
		switch st.Status {
		case StatusSuccess:
			s.StepsSuccessful++
		case StatusFailure, StatusError:
			s.StepsFailed++
		}
	}
	if s.StepsExecuted > 0 {
		s.SuccessRate = 100 * float64(s.StepsSuccessful) / float64(s.StepsExecuted)
	}
	s.DurationMs = s.EndTime.Sub(s.StartTime).Milliseconds()
}

// StepResult is the frozen record of one step execution.
// Lifecycle: created when the executor enters the step, frozen at
// termination, never mutated afterward.
type StepResult struct {
	StepName           string                 `json:"step_name"`
	Status              Status                `json:"status"`
	DurationMs          int64                 `json:"duration_ms"`
	Attempts             int                  `json:"attempts,omitempty"`
	RequestDetails      map[string]interface{} `json:"request_details,omitempty"`
	ResponseDetails     map[string]interface{} `json:"response_details,omitempty"`
	AssertionsResults   []AssertionResult      `json:"assertions_results,omitempty"`
	CapturedVariables   map[string]interface{} `json:"captured_variables,omitempty"`
	ScenariosMeta       []ScenarioMeta         `json:"scenarios_meta,omitempty"`
	Error               string                 `json:"error,omitempty"`
	CallStack           []string               `json:"call_stack,omitempty"`
}

// AssertionResult is one field/operator outcome within a step's
// assertion set.
type AssertionResult struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
	Passed   bool        `json:"passed"`
	Message  string      `json:"message"`
}

// ScenarioMeta records whether a step's scenario condition matched and
// executed.
type ScenarioMeta struct {
	Condition string `json:"condition"`
	Matched   bool   `json:"matched"`
	Executed  bool   `json:"executed"`
}
