// Package capture extracts values from responses and execution context:
// for each (name, source_expr) pair, classify the expression and route
// it to the matching resolver, then store the result into the
// current step-local scope and, for names listed in the suite's
// exports[], promote it to the global export table.
package capture

import (
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/expr"
	"github.com/flowtestlabs/flowtest/internal/faker"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/jsvm"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

// Context is the document a `@jmespath` capture expression is evaluated
// against: the response, the scope's variables, any
// pending input collection, the last call result, captured variables so
// far in this step, and the assertion results already produced this step.
type Context struct {
	Response          model.Value
	Variables         map[string]model.Value
	Input             map[string]model.Value
	CallResult        model.Value
	CapturedVariables map[string]model.Value
	AssertionResults  []model.AssertionResult
}

func (c Context) toRaw() map[string]interface{} {
	assertions := make([]interface{}, len(c.AssertionResults))
	for i, a := range c.AssertionResults {
		assertions[i] = map[string]interface{}{
			"field": a.Field, "operator": a.Operator,
			"expected": a.Expected, "actual": a.Actual,
			"passed": a.Passed, "message": a.Message,
		}
	}
	return map[string]interface{}{
		"response":          c.Response.Raw(),
		"body":              c.Response.Raw(),
		"variables":         rawMap(c.Variables),
		"input":             rawMap(c.Input),
		"call_result":       c.CallResult.Raw(),
		"capturedVariables": rawMap(c.CapturedVariables),
		"assertionResults":  assertions,
	}
}

func rawMap(m map[string]model.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Raw()
	}
	return out
}

// Engine resolves capture expressions and writes results into a Scope.
type Engine struct {
	interp *interp.Service
	faker  *faker.Generator
}

// New builds a capture Engine sharing the given interpolation service, so
// variable/env/faker/js strategies stay consistent with the rest of the
// step lifecycle.
func New(svc *interp.Service) *Engine {
	return &Engine{interp: svc, faker: faker.New()}
}

// Capture resolves one (name -> source_expr) set, writes every resolved
// value into sc's current layer, and returns the map of what was
// captured (used to populate StepResult.captured_variables
// and to feed the next capture's Context.CapturedVariables).
func (e *Engine) Capture(exprs map[string]string, ctx Context, sc *scope.Scope) (map[string]model.Value, error) {
	out := make(map[string]model.Value, len(exprs))
	for name, source := range exprs {
		v, err := e.resolveOne(source, ctx, sc)
		if err != nil {
			return out, errs.New(errs.KindCapture, errs.CodeCaptureFailed,
				"capture \""+name+"\" failed", err)
		}
		sc.SetLocal(name, v)
		out[name] = v
	}
	return out, nil
}

// PromoteExports promotes every name in exports that exists in the scope
// to the global export table. A second write to the same (suite, name)
// overwrites, and the caller should emit a warning when overwrote is
// true.
func (e *Engine) PromoteExports(exports []string, sc *scope.Scope, warn func(name string)) error {
	for _, name := range exports {
		overwrote, err := sc.ExportGlobal(name)
		if err != nil {
			return errs.New(errs.KindCapture, errs.CodeCaptureFailed,
				"export \""+name+"\" not found in scope", err)
		}
		if overwrote && warn != nil {
			warn(name)
		}
	}
	return nil
}

func (e *Engine) resolveOne(source string, ctx Context, sc *scope.Scope) (model.Value, error) {
	classified, err := expr.Classify(source)
	if err != nil {
		return model.Null(), err
	}

	switch classified.Category {
	case expr.CategoryJMESPath:
		// Interpolate any {{...}} inside the query before JMESPath parses it.
		query := classified.Payload
		if strings.Contains(query, "{{") {
			if query, err = e.interp.ResolveString(query, sc); err != nil {
				return model.Null(), err
			}
		}
		result, err := jmespath.Search(query, ctx.toRaw())
		if err != nil {
			return model.Null(), err
		}
		return model.FromRaw(result), nil

	case expr.CategoryFaker:
		s, err := e.faker.Generate(classified.Payload)
		if err != nil {
			return model.Null(), err
		}
		return model.String(s), nil

	case expr.CategoryJS:
		isBlock := expr.IsCodeBlock(classified.Payload)
		v, _, err := jsvm.Eval(classified.Payload, isBlock, jsvm.Bindings{
			Variables: ctx.Variables,
			Captured:  ctx.CapturedVariables,
			Response:  ctx.Response,
			Env:       nil,
		}, jsvm.Options{})
		return v, err

	case expr.CategoryTemplate, expr.CategoryLiteral:
		return e.interp.ResolveValue(model.String(source), sc)

	default:
		return model.String(source), nil
	}
}
