package model

import "time"

// Priority orders suites within a dependency layer.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sort weight; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Suite is a named, dependency-ordered collection of steps executed
// against a common base URL.
type Suite struct {
	NodeID      string                 `yaml:"node_id" json:"node_id" validate:"required"`
	SuiteName   string                 `yaml:"suite_name" json:"suite_name" validate:"required"`
	BaseURL     string                 `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Priority    Priority               `yaml:"priority,omitempty" json:"priority,omitempty" validate:"omitempty,oneof=critical high medium low"`
	DependsOn   []string               `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Variables   map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`
	Exports     []string               `yaml:"exports,omitempty" json:"exports,omitempty"`
	Steps       []Step                 `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
	ContinueOnFailure bool             `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`

	// SourcePath is the file the suite was discovered from; not part of
	// the wire schema but useful for error messages.
	SourcePath string `yaml:"-" json:"-"`
}

// EffectivePriority defaults to medium when unset.
func (s Suite) EffectivePriority() Priority {
	if s.Priority == "" {
		return PriorityMedium
	}
	return s.Priority
}

// Step is a single unit — an HTTP call, input collection, or cross-suite
// call — wrapped by hooks.
type Step struct {
	Name              string                 `yaml:"name" json:"name" validate:"required"`
	Request           *RequestSpec           `yaml:"request,omitempty" json:"request,omitempty"`
	Input             []InputSpec            `yaml:"input,omitempty" json:"input,omitempty"`
	Iterate           *IterateSpec           `yaml:"iterate,omitempty" json:"iterate,omitempty"`
	Call              *CallSpec              `yaml:"call,omitempty" json:"call,omitempty"`
	Assert            *AssertSpec            `yaml:"assert,omitempty" json:"assert,omitempty"`
	Capture           map[string]string      `yaml:"capture,omitempty" json:"capture,omitempty"`
	Hooks             map[HookPoint][]HookAction `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Scenarios         []Scenario             `yaml:"scenarios,omitempty" json:"scenarios,omitempty"`
	ContinueOnFailure *bool                  `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`
	Retry             *RetrySpec             `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// ContinueOnFailureOr returns the step's continue_on_failure, falling
// back to the suite default when the step omits it; a step-level value
// is authoritative when present.
func (s Step) ContinueOnFailureOr(suiteDefault bool) bool {
	if s.ContinueOnFailure != nil {
		return *s.ContinueOnFailure
	}
	return suiteDefault
}

// RequestSpec describes an HTTP call.
type RequestSpec struct {
	Method    string                 `yaml:"method" json:"method" validate:"required"`
	URL       string                 `yaml:"url" json:"url" validate:"required"`
	Headers   map[string]string      `yaml:"headers,omitempty" json:"headers,omitempty"`
	Query     map[string]string      `yaml:"query,omitempty" json:"query,omitempty"`
	Body      interface{}            `yaml:"body,omitempty" json:"body,omitempty"`
	TimeoutMs int                    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	TLS       *TLSSpec               `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSSpec configures client TLS material for a request.
type TLSSpec struct {
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty" validate:"omitempty,oneof=TLSv1 TLSv1.1 TLSv1.2 TLSv1.3"`
	MaxVersion string `yaml:"max_version,omitempty" json:"max_version,omitempty" validate:"omitempty,oneof=TLSv1 TLSv1.1 TLSv1.2 TLSv1.3"`
	CertPath   string `yaml:"cert_path,omitempty" json:"cert_path,omitempty"`
	KeyPath    string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	PFXPath    string `yaml:"pfx_path,omitempty" json:"pfx_path,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`
	CABundle   string `yaml:"ca_bundle,omitempty" json:"ca_bundle,omitempty"`
	Verify     *bool  `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// InputSpec describes a value to collect before a step runs.
type InputSpec struct {
	Name       string `yaml:"name" json:"name" validate:"required"`
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	Prompt     string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	CIDefault  interface{} `yaml:"ci_default,omitempty" json:"ci_default,omitempty"`
	Required   bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// IterateSpec wraps a step in N executions.
type IterateSpec struct {
	Count int    `yaml:"count,omitempty" json:"count,omitempty"`
	Over  string `yaml:"over,omitempty" json:"over,omitempty"`
}

// CallSpec delegates to another step/suite.
type CallSpec struct {
	Target    string                 `yaml:"target" json:"target" validate:"required"`
	With      map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
	Propagate []string               `yaml:"propagate,omitempty" json:"propagate,omitempty"`
}

// AssertSpec groups checks over the response.
type AssertSpec struct {
	StatusCode CheckSet            `yaml:"status_code,omitempty" json:"status_code,omitempty"`
	Headers    map[string]CheckSet `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body       map[string]CheckSet `yaml:"body,omitempty" json:"body,omitempty"`
}

// CheckSet is an object whose keys name assertion operators, e.g.
// {"equals": 200, "greater_than": 0}. Multiple operators are conjunctive.
type CheckSet map[string]interface{}

// Scenario is a conditional branch evaluated after a response is
// received.
type Scenario struct {
	Condition string            `yaml:"condition" json:"condition" validate:"required"`
	Assert    *AssertSpec       `yaml:"assert,omitempty" json:"assert,omitempty"`
	Capture   map[string]string `yaml:"capture,omitempty" json:"capture,omitempty"`
}

// RetrySpec configures step retry behavior.
type RetrySpec struct {
	MaxAttempts        int     `yaml:"max_attempts" json:"max_attempts" validate:"required,gte=1"`
	DelayMs            int     `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`
	Multiplier         float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	OnAssertionFailure bool    `yaml:"on_assertion_failure,omitempty" json:"on_assertion_failure,omitempty"`
}

// EffectiveDelay returns the configured delay, defaulting to 1000ms.
func (r RetrySpec) EffectiveDelay() time.Duration {
	if r.DelayMs <= 0 {
		return time.Second
	}
	return time.Duration(r.DelayMs) * time.Millisecond
}

// EffectiveMultiplier returns the configured multiplier, defaulting to 2.
func (r RetrySpec) EffectiveMultiplier() float64 {
	if r.Multiplier <= 0 {
		return 2
	}
	return r.Multiplier
}

// HookPoint is a named location in the step lifecycle.
type HookPoint string

const (
	HookPreInput      HookPoint = "pre_input"
	HookPostInput     HookPoint = "post_input"
	HookPreIteration  HookPoint = "pre_iteration"
	HookPreRequest    HookPoint = "pre_request"
	HookPostRequest   HookPoint = "post_request"
	HookPreAssertion  HookPoint = "pre_assertion"
	HookPostAssertion HookPoint = "post_assertion"
	HookPreCapture    HookPoint = "pre_capture"
	HookPostCapture   HookPoint = "post_capture"
	HookPostIteration HookPoint = "post_iteration"
)

// HookPointOrder is the firing order inside a step.
var HookPointOrder = []HookPoint{
	HookPreInput, HookPostInput, HookPreIteration, HookPreRequest,
	HookPostRequest, HookPreAssertion, HookPostAssertion, HookPreCapture,
	HookPostCapture, HookPostIteration,
}

// HookAction is a tagged union over the hook action kinds. Exactly one
// action-specific field should be set; which one is determined by Type.
type HookAction struct {
	Type string `yaml:"type" json:"type" validate:"required,oneof=compute capture exports validate log metric script call wait auth"`

	// compute: map of runtime var name -> expression
	Compute map[string]string `yaml:"compute,omitempty" json:"compute,omitempty"`

	// capture: same shape as Step.Capture
	Capture map[string]string `yaml:"capture,omitempty" json:"capture,omitempty"`

	// exports: names of already-known runtime vars to promote
	Exports []string `yaml:"exports,omitempty" json:"exports,omitempty"`

	// validate: boolean expressions with a message/severity
	Validations []ValidateAction `yaml:"validations,omitempty" json:"validations,omitempty"`

	// log
	Level    string `yaml:"level,omitempty" json:"level,omitempty"`
	Message  string `yaml:"message,omitempty" json:"message,omitempty"`
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// metric
	MetricName  string  `yaml:"metric_name,omitempty" json:"metric_name,omitempty"`
	MetricValue float64 `yaml:"metric_value,omitempty" json:"metric_value,omitempty"`

	// script: arbitrary JS block
	Script string `yaml:"script,omitempty" json:"script,omitempty"`

	// call
	Call *CallSpec `yaml:"call,omitempty" json:"call,omitempty"`

	// wait: resolved-ms expression (string so it can be a {{...}})
	WaitMs string `yaml:"wait_ms,omitempty" json:"wait_ms,omitempty"`

	// auth: mint an Authorization header into a runtime variable
	Auth *AuthSpec `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// AuthSpec configures an `auth` hook action: mint an Authorization
// header value (bearer, basic, or an OAuth2 client-credentials token)
// and store it under SaveAs in the runtime layer. Every field accepts
// {{...}} placeholders.
type AuthSpec struct {
	Flow         string   `yaml:"flow" json:"flow" validate:"required,oneof=bearer basic oauth2"`
	Token        string   `yaml:"token,omitempty" json:"token,omitempty"`
	Username     string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password     string   `yaml:"password,omitempty" json:"password,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	SaveAs       string   `yaml:"save_as" json:"save_as" validate:"required"`
}

// ValidateAction is one entry of a `validate` HookAction.
type ValidateAction struct {
	Expression string `yaml:"expression" json:"expression" validate:"required"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`
	Severity   string `yaml:"severity,omitempty" json:"severity,omitempty" validate:"omitempty,oneof=error warning"`
}
