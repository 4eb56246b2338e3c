// Package jsvm is a restricted JavaScript sandbox: validate a source
// string against length/nesting/forbidden-token rules, then evaluate it
// in a fresh goja runtime whose globals are pared down to a safe
// subset, with injected bindings for the call's variables and a
// wall-clock interrupt via runtime.Interrupt from a timer goroutine.
package jsvm

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

const (
	maxSourceLen    = 2000
	maxParenDepth   = 20
	defaultTimeout  = 5 * time.Second
	softMemoryLimit = 8 * 1024 * 1024
)

var forbiddenTokens = []string{
	"require", "import", "eval", "Function", "constructor", "prototype",
	"__proto__", "process", "global", "globalThis",
	"Buffer.alloc", "Buffer.allocUnsafe", "WebAssembly",
}

// Options configures a single evaluation.
type Options struct {
	// Timeout bounds wall-clock execution; zero uses the 5s default.
	Timeout time.Duration
	// EnableConsole exposes a `console.log` whose lines Eval returns as
	// its second result.
	EnableConsole bool
}

// Bindings are the identifiers injected into the sandbox's global
// scope: variables, captured, response, request, env, plus each
// valid-identifier variable as a top-level binding.
type Bindings struct {
	Variables map[string]model.Value
	Captured  map[string]model.Value
	Response  model.Value
	Request   model.Value
	Env       map[string]string
	// Extra holds already-valid-identifier variable names bound directly
	// at top level.
	Extra map[string]model.Value
}

// Sandbox evaluates restricted JavaScript expressions/code blocks.
type Sandbox struct{}

// New creates a Sandbox. Each Eval call gets a fresh goja.Runtime, so the
// Sandbox itself holds no mutable state and is safe to share.
func New() *Sandbox { return &Sandbox{} }

// Validate rejects sources that are too long, unbalanced, too deeply
// nested, or that contain a forbidden token. These are the
// JS_VALIDATION checks, exposed separately so callers (e.g. the capture
// engine) can classify a validation failure distinctly from a runtime
// one.
func Validate(source string) error {
	if len(source) > maxSourceLen {
		return errs.New(errs.KindJavaScript, errs.CodeJSValidation,
			fmt.Sprintf("source exceeds %d characters", maxSourceLen), nil)
	}
	if depth, balanced := parenDepth(source); !balanced {
		return errs.New(errs.KindJavaScript, errs.CodeJSValidation, "imbalanced parentheses", nil)
	} else if depth > maxParenDepth {
		return errs.New(errs.KindJavaScript, errs.CodeJSValidation,
			fmt.Sprintf("nested-parenthesis depth %d exceeds limit %d", depth, maxParenDepth), nil)
	}
	for _, tok := range forbiddenTokens {
		if containsToken(source, tok) {
			return errs.New(errs.KindJavaScript, errs.CodeJSValidation, "forbidden token: "+tok, nil)
		}
	}
	return nil
}

func containsToken(source, tok string) bool {
	// Buffer.from is explicitly allowed even though Buffer.alloc/
	// allocUnsafe are not, so a plain substring check on "Buffer" would
	// over-block; tok is always the fully qualified form here.
	return strings.Contains(source, tok)
}

func parenDepth(source string) (maxDepth int, balanced bool) {
	depth := 0
	for _, r := range source {
		switch r {
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')':
			depth--
			if depth < 0 {
				return maxDepth, false
			}
		}
	}
	return maxDepth, depth == 0
}

// Eval compiles and runs source, returning its result as a model.Value.
// Plain expressions are evaluated as `return (expr)`; code blocks are
// run as-is inside a wrapping zero-arg function.
func Eval(source string, isBlock bool, bindings Bindings, opts Options) (model.Value, []string, error) {
	if err := Validate(source); err != nil {
		return model.Null(), nil, err
	}

	body := source
	if !isBlock {
		body = "return (" + source + ")"
	}
	wrapped := "(function(){\n" + body + "\n})()"

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	var logs []string
	restricted := buildGlobals(vm, opts.EnableConsole, &logs)
	for name, val := range restricted {
		_ = vm.Set(name, val)
	}

	_ = vm.Set("variables", toJSObject(bindings.Variables))
	_ = vm.Set("captured", toJSObject(bindings.Captured))
	_ = vm.Set("response", bindings.Response.Raw())
	_ = vm.Set("request", bindings.Request.Raw())
	_ = vm.Set("env", bindings.Env)
	for name, v := range bindings.Extra {
		if isValidIdentifier(name) {
			_ = vm.Set(name, v.Raw())
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(errs.New(errs.KindJavaScript, errs.CodeJSTimeout, "script exceeded execution timeout", nil))
	})
	defer timer.Stop()

	result, err := vm.RunString(wrapped)
	if err != nil {
		if interruptErr, ok := err.(*goja.InterruptedError); ok {
			if fe, ok := interruptErr.Value().(*errs.Error); ok {
				return model.Null(), logs, fe
			}
		}
		return model.Null(), logs, errs.New(errs.KindJavaScript, errs.CodeJSRuntime, "script execution failed", err)
	}

	return model.FromRaw(result.Export()), logs, nil
}

func buildGlobals(vm *goja.Runtime, enableConsole bool, logs *[]string) map[string]interface{} {
	m := map[string]interface{}{
		"Math":       vm.GlobalObject().Get("Math"),
		"Date":       vm.GlobalObject().Get("Date"),
		"JSON":       vm.GlobalObject().Get("JSON"),
		"String":     vm.GlobalObject().Get("String"),
		"Number":     vm.GlobalObject().Get("Number"),
		"Boolean":    vm.GlobalObject().Get("Boolean"),
		"Array":      vm.GlobalObject().Get("Array"),
		"Object":     vm.GlobalObject().Get("Object"),
		"parseInt":   vm.GlobalObject().Get("parseInt"),
		"parseFloat": vm.GlobalObject().Get("parseFloat"),
		"isNaN":      vm.GlobalObject().Get("isNaN"),
		"isFinite":   vm.GlobalObject().Get("isFinite"),
	}
	m["Buffer"] = map[string]interface{}{
		"from": func(s string) []byte { return []byte(s) },
	}
	if enableConsole {
		m["console"] = map[string]interface{}{
			"log": func(args ...interface{}) {
				parts := make([]string, len(args))
				for i, a := range args {
					parts[i] = fmt.Sprintf("%v", a)
				}
				*logs = append(*logs, strings.Join(parts, " "))
			},
		}
	}
	return m
}

func toJSObject(m map[string]model.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Raw()
	}
	return out
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
