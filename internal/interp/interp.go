// Package interp resolves template placeholders:
// repeatedly resolve `{{ expr }}` occurrences in strings via a
// priority-ordered strategy chain, and recurse into maps/arrays. The
// recursion keeps no visited set (see ResolveValue).
package interp

import (
	"strconv"
	"strings"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/expr"
	"github.com/flowtestlabs/flowtest/internal/faker"
	"github.com/flowtestlabs/flowtest/internal/jsvm"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

const maxPasses = 8

// Strategy resolves one `{{expr}}` occurrence. Priority orders the chain
// (lower runs first); the first strategy whose CanHandle returns true
// wins.
type Strategy interface {
	Name() string
	Priority() int
	CanHandle(rawExpr string) bool
	Resolve(rawExpr string, sc *scope.Scope) (model.Value, bool, error) // ok=false means "undefined"
}

// Warner receives non-fatal interpolation warnings (unresolved
// variables, ambiguous literals) for the caller to publish to the log
// bus. A nil Warner silently drops warnings.
type Warner func(message string)

// Service resolves `{{...}}` templates and structured values.
type Service struct {
	strategies     []Strategy
	faker          *faker.Generator
	suppressWarns  bool
	warn           Warner
}

// Option configures a Service.
type Option func(*Service)

// WithWarner installs a warning sink.
func WithWarner(w Warner) Option { return func(s *Service) { s.warn = w } }

// WithSuppressWarnings disables the "unresolved variable" warning.
func WithSuppressWarnings() Option { return func(s *Service) { s.suppressWarns = true } }

// New builds a Service with the standard env/faker/javascript/variable
// strategy chain, sorted by priority.
func New(opts ...Option) *Service {
	s := &Service{faker: faker.New()}
	for _, o := range opts {
		o(s)
	}
	s.strategies = []Strategy{
		envStrategy{},
		fakerStrategy{gen: s.faker},
		jsStrategy{owner: s},
		variableStrategy{},
	}
	return s
}

func (s *Service) emit(msg string) {
	if s.suppressWarns || s.warn == nil {
		return
	}
	s.warn(msg)
}

// ResolveString repeatedly substitutes `{{expr}}` occurrences until none
// remain or a fixed point is reached, bounded by maxPasses; exceeding
// the bound raises INTERPOLATION_LOOP.
func (s *Service) ResolveString(input string, sc *scope.Scope) (string, error) {
	current := input
	for pass := 0; pass < maxPasses; pass++ {
		next, changed, err := s.singlePass(current, sc)
		if err != nil {
			return "", err
		}
		if !changed {
			return next, nil
		}
		current = next
		if !strings.Contains(current, "{{") {
			return current, nil
		}
	}
	return "", errs.New(errs.KindInterpolation, errs.CodeInterpolationLoop,
		"interpolation did not reach a fixed point within "+strconv.Itoa(maxPasses)+" passes", nil)
}

func (s *Service) singlePass(input string, sc *scope.Scope) (string, bool, error) {
	var sb strings.Builder
	changed := false
	i := 0
	for i < len(input) {
		start := strings.Index(input[i:], "{{")
		if start < 0 {
			sb.WriteString(input[i:])
			break
		}
		start += i
		sb.WriteString(input[i:start])
		end := strings.Index(input[start+2:], "}}")
		if end < 0 {
			// Unterminated; emit the rest verbatim.
			sb.WriteString(input[start:])
			break
		}
		end += start + 2
		rawExpr := strings.TrimSpace(input[start+2 : end])

		val, ok, err := s.resolveExpr(rawExpr, sc)
		if err != nil {
			return "", false, err
		}
		if !ok {
			// Leave placeholder intact, warn unless suppressed.
			sb.WriteString(input[start : end+2])
			s.emit("unresolved variable in template: {{" + rawExpr + "}}")
		} else {
			sb.WriteString(val.Stringify())
			changed = true
		}
		i = end + 2
	}
	return sb.String(), changed, nil
}

// resolveExpr consults strategies in priority order and returns the
// first match's result.
func (s *Service) resolveExpr(rawExpr string, sc *scope.Scope) (model.Value, bool, error) {
	for _, strat := range s.strategies {
		if strat.CanHandle(rawExpr) {
			return strat.Resolve(rawExpr, sc)
		}
	}
	return model.Null(), false, nil
}

// ResolveValue recursively interpolates strings found anywhere inside a
// model.Value tree. model.Value is an immutable
// value-typed tree built fresh by FromRaw/FromJSON, so a true reference
// cycle cannot occur; the recursion here is naturally cycle-free because
// it only ever descends into structurally smaller subtrees.
func (s *Service) ResolveValue(v model.Value, sc *scope.Scope) (model.Value, error) {
	switch v.Kind() {
	case model.KindString:
		resolved, err := s.ResolveString(v.String(), sc)
		if err != nil {
			return model.Null(), err
		}
		return model.String(resolved), nil
	case model.KindArray:
		arr, _ := v.Array()
		out := make([]model.Value, len(arr))
		for i, e := range arr {
			r, err := s.ResolveValue(e, sc)
			if err != nil {
				return model.Null(), err
			}
			out[i] = r
		}
		return model.Array(out), nil
	case model.KindObject:
		obj, _ := v.Object()
		out := make(map[string]model.Value, len(obj))
		for k, e := range obj {
			r, err := s.ResolveValue(e, sc)
			if err != nil {
				return model.Null(), err
			}
			out[k] = r
		}
		return model.Object(out), nil
	default:
		return v, nil
	}
}

// ResolveJSPreprocess resolves only env and variable occurrences inside
// a `$js:...` expression's nested `{{...}}` placeholders, without
// re-entering faker/js strategies, which would recurse.
func (s *Service) ResolveJSPreprocess(input string, sc *scope.Scope) (string, error) {
	restricted := &Service{
		faker:         s.faker,
		suppressWarns: s.suppressWarns,
		warn:          s.warn,
		strategies:    []Strategy{envStrategy{}, variableStrategy{}},
	}
	return restricted.ResolveString(input, sc)
}


// --- strategies ---

type envStrategy struct{}

func (envStrategy) Name() string  { return "env" }
func (envStrategy) Priority() int { return 10 }

// CanHandle claims `$env.NAME` (and the bare `env.NAME` shorthand)
// ahead of the javascript strategy's broader `$` prefix.
func (envStrategy) CanHandle(rawExpr string) bool {
	return strings.HasPrefix(rawExpr, "$env.") || strings.HasPrefix(rawExpr, "env.")
}
func (envStrategy) Resolve(rawExpr string, sc *scope.Scope) (model.Value, bool, error) {
	name := strings.TrimPrefix(strings.TrimPrefix(rawExpr, "$"), "env.")
	v, ok := sc.EnvLookup(name)
	if !ok {
		return model.Null(), true, nil // missing env var -> null, never a failure
	}
	return model.String(v), true, nil
}

type fakerStrategy struct{ gen *faker.Generator }

func (fakerStrategy) Name() string  { return "faker" }
func (fakerStrategy) Priority() int { return 20 }
func (fakerStrategy) CanHandle(rawExpr string) bool {
	return strings.HasPrefix(rawExpr, "#faker.")
}
func (f fakerStrategy) Resolve(rawExpr string, sc *scope.Scope) (model.Value, bool, error) {
	c, err := expr.Classify(rawExpr)
	if err != nil {
		return model.Null(), false, err
	}
	s, err := f.gen.Generate(c.Payload)
	if err != nil {
		return model.Null(), false, err
	}
	return model.String(s), true, nil
}

type jsStrategy struct{ owner *Service }

func (jsStrategy) Name() string  { return "javascript" }
func (jsStrategy) Priority() int { return 30 }
func (jsStrategy) CanHandle(rawExpr string) bool {
	return strings.HasPrefix(rawExpr, "$")
}
func (j jsStrategy) Resolve(rawExpr string, sc *scope.Scope) (model.Value, bool, error) {
	payload := strings.TrimPrefix(rawExpr, "$")
	// Nested {{...}} inside a $js expression are preprocessed here
	// (env/variable only, never re-entering faker/js) to prevent
	// recursion.
	if strings.Contains(payload, "{{") {
		preprocessed, err := j.owner.ResolveJSPreprocess(payload, sc)
		if err != nil {
			return model.Null(), false, err
		}
		payload = preprocessed
	}
	isBlock := expr.IsCodeBlock(payload)
	v, _, err := jsvm.Eval(payload, isBlock, jsvm.Bindings{}, jsvm.Options{})
	if err != nil {
		return model.Null(), false, err
	}
	return v, true, nil
}

type variableStrategy struct{}

func (variableStrategy) Name() string  { return "variable" }
func (variableStrategy) Priority() int { return 100 }
func (variableStrategy) CanHandle(string) bool { return true } // fallback: always matches
func (variableStrategy) Resolve(rawExpr string, sc *scope.Scope) (model.Value, bool, error) {
	v, err := sc.ResolvePath(rawExpr)
	if err != nil {
		return model.Null(), false, nil // undefined, not a hard failure
	}
	return v, true, nil
}
