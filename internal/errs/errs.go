// Package errs defines the engine's typed error taxonomy, so
// callers can branch on error kind with errors.As instead of string
// matching.
package errs

import "fmt"

// Kind is one entry in the error taxonomy.
type Kind string

const (
	KindConfiguration Kind = "Configuration"
	KindDiscovery     Kind = "Discovery"
	KindInterpolation Kind = "Interpolation"
	KindJavaScript    Kind = "JavaScript"
	KindHTTP          Kind = "HTTP"
	KindAssertion     Kind = "Assertion"
	KindCapture       Kind = "Capture"
	KindCall          Kind = "Call"
	KindLifecycle     Kind = "Lifecycle"
)

// Code further identifies the specific failure within a Kind
// (e.g. "MaxCallDepthExceeded", "JS_TIMEOUT").
type Code string

const (
	CodeInvalidYAML            Code = "InvalidYAML"
	CodeSchemaViolation        Code = "SchemaViolation"
	CodeMissingField           Code = "MissingField"
	CodeUnknownNodeRef         Code = "UnknownNodeRef"
	CodeCircularDependency     Code = "CircularDependency"
	CodeFileUnreadable         Code = "FileUnreadable"
	CodeUnresolvedVariable     Code = "UnresolvedVariable"
	CodeInterpolationLoop      Code = "INTERPOLATION_LOOP"
	CodeMixedSyntax            Code = "MIXED_SYNTAX"
	CodeJSValidation           Code = "JS_VALIDATION"
	CodeJSRuntime              Code = "JS_RUNTIME"
	CodeJSTimeout              Code = "JS_TIMEOUT"
	CodeJSMemory               Code = "JS_MEMORY"
	CodeTimeout                Code = "Timeout"
	CodeConnectionRefused      Code = "ConnectionRefused"
	CodeDNSFailure             Code = "DNSFailure"
	CodeTLSFailure             Code = "TLSFailure"
	CodeProtocolError          Code = "ProtocolError"
	CodeResponseTooLarge       Code = "ResponseTooLarge"
	CodeAssertionFailed        Code = "AssertionFailed"
	CodeCaptureFailed          Code = "CaptureFailed"
	CodeMaxCallDepthExceeded   Code = "MaxCallDepthExceeded"
	CodeCircularCall           Code = "CircularCall"
	CodeTargetNotFound         Code = "TargetNotFound"
	CodeHookValidationFailed   Code = "HookValidationFailed"
	CodeInputError             Code = "InputError"
	CodeCancelled              Code = "Cancelled"
	CodeNotFound               Code = "NotFound"
)

// Error is the engine's single error type: every raised error carries a
// Kind and a Code.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Context map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error, optionally wrapping a cause.
func New(kind Kind, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// WithContext attaches {nodeId, stepName, ...} context used when
// publishing the error to the log bus.
func (e *Error) WithContext(ctx map[string]interface{}) *Error {
	e.Context = ctx
	return e
}

// Is allows errors.Is(err, &Error{Code: ...}) style matching by Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Kind != "" && other.Kind != e.Kind {
		return false
	}
	return true
}
