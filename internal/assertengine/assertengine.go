// Package assertengine validates response values: a pluggable registry
// of per-operator strategies evaluated against a resolved
// actual/expected pair, producing one AssertionResult per
// field/operator combination. Comparisons operate on model.Value, with
// dlclark/regexp2 for ECMA-flavored regex and google/go-cmp for
// diagnostic diffs.
package assertengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/google/go-cmp/cmp"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

// Strategy evaluates one assertion operator against an actual/expected
// pair already resolved to model.Value.
type Strategy interface {
	Name() string
	Evaluate(actual, expected model.Value) (passed bool, message string, err error)
}

// Engine evaluates CheckSets against resolved values using a fixed
// registry of operator strategies.
type Engine struct {
	strategies map[string]Strategy
}

// New builds an Engine with the standard operator set.
func New() *Engine {
	e := &Engine{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		equalsStrategy{}, notEqualsStrategy{},
		containsStrategy{}, notContainsStrategy{},
		greaterThanStrategy{}, lessThanStrategy{},
		gteStrategy{}, lteStrategy{},
		inStrategy{}, notInStrategy{},
		regexStrategy{}, patternStrategy{},
		existsStrategy{}, notExistsStrategy{}, notEmptyStrategy{},
		lengthStrategy{}, typeStrategy{},
	} {
		e.strategies[s.Name()] = s
	}
	return e
}

// Register installs or overrides a strategy, for callers that extend the
// operator set.
func (e *Engine) Register(s Strategy) { e.strategies[s.Name()] = s }

// EvaluateField runs every operator in a CheckSet against one field's
// actual value, in a deterministic (sorted) order so repeated runs
// produce identically ordered AssertionResult slices.
func (e *Engine) EvaluateField(field string, actual model.Value, checks map[string]interface{}) ([]model.AssertionResult, error) {
	operators := make([]string, 0, len(checks))
	for op := range checks {
		operators = append(operators, op)
	}
	sort.Strings(operators)

	results := make([]model.AssertionResult, 0, len(operators))
	for _, op := range operators {
		strat, ok := e.strategies[op]
		if !ok {
			return nil, errs.New(errs.KindAssertion, errs.CodeAssertionFailed,
				fmt.Sprintf("unknown assertion operator %q on field %q", op, field), nil)
		}
		expected := model.FromRaw(checks[op])
		passed, msg, err := strat.Evaluate(actual, expected)
		if err != nil {
			return nil, errs.New(errs.KindAssertion, errs.CodeAssertionFailed,
				fmt.Sprintf("%s on field %q: %v", op, field, err), err)
		}
		results = append(results, model.AssertionResult{
			Field:    field,
			Operator: op,
			Expected: checks[op],
			Actual:   actual.Raw(),
			Passed:   passed,
			Message:  msg,
		})
	}
	return results, nil
}

// --- strategies ---

type equalsStrategy struct{}

func (equalsStrategy) Name() string { return "equals" }
func (equalsStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	if model.Equal(actual, expected) {
		return true, "", nil
	}
	return false, fmt.Sprintf("expected %s, got %s (%s)", expected.Stringify(), actual.Stringify(), cmp.Diff(expected.Raw(), actual.Raw())), nil
}

type notEqualsStrategy struct{}

func (notEqualsStrategy) Name() string { return "not_equals" }
func (notEqualsStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	if !model.Equal(actual, expected) {
		return true, "", nil
	}
	return false, fmt.Sprintf("expected value to differ from %s", expected.Stringify()), nil
}

type containsStrategy struct{}

func (containsStrategy) Name() string { return "contains" }
func (containsStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	if found, _ := memberOf(actual, expected); found {
		return true, "", nil
	}
	return false, fmt.Sprintf("%s does not contain %s", actual.Stringify(), expected.Stringify()), nil
}

type notContainsStrategy struct{}

func (notContainsStrategy) Name() string { return "not_contains" }
func (notContainsStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	if found, _ := memberOf(actual, expected); !found {
		return true, "", nil
	}
	return false, fmt.Sprintf("%s should not contain %s", actual.Stringify(), expected.Stringify()), nil
}

// memberOf reports whether expected occurs in actual: substring for
// strings, element-equality for arrays, key presence for objects keyed by
// expected's string form.
func memberOf(actual, expected model.Value) (bool, error) {
	switch actual.Kind() {
	case model.KindString:
		return strings.Contains(actual.String(), expected.String()), nil
	case model.KindArray:
		arr, _ := actual.Array()
		for _, e := range arr {
			if model.Equal(e, expected) {
				return true, nil
			}
		}
		return false, nil
	case model.KindObject:
		obj, _ := actual.Object()
		_, ok := obj[expected.String()]
		return ok, nil
	default:
		return false, nil
	}
}

type greaterThanStrategy struct{}

func (greaterThanStrategy) Name() string { return "greater_than" }
func (greaterThanStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	a, b, err := numericPair(actual, expected)
	if err != nil {
		return false, "", err
	}
	if a > b {
		return true, "", nil
	}
	return false, fmt.Sprintf("%v is not greater than %v", a, b), nil
}

type lessThanStrategy struct{}

func (lessThanStrategy) Name() string { return "less_than" }
func (lessThanStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	a, b, err := numericPair(actual, expected)
	if err != nil {
		return false, "", err
	}
	if a < b {
		return true, "", nil
	}
	return false, fmt.Sprintf("%v is not less than %v", a, b), nil
}

type gteStrategy struct{}

func (gteStrategy) Name() string { return "greater_than_or_equal" }
func (gteStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	a, b, err := numericPair(actual, expected)
	if err != nil {
		return false, "", err
	}
	if a >= b {
		return true, "", nil
	}
	return false, fmt.Sprintf("%v is not >= %v", a, b), nil
}

type lteStrategy struct{}

func (lteStrategy) Name() string { return "less_than_or_equal" }
func (lteStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	a, b, err := numericPair(actual, expected)
	if err != nil {
		return false, "", err
	}
	if a <= b {
		return true, "", nil
	}
	return false, fmt.Sprintf("%v is not <= %v", a, b), nil
}

func numericPair(actual, expected model.Value) (float64, float64, error) {
	a, ok := actual.Number()
	if !ok {
		return 0, 0, fmt.Errorf("actual value %s is not numeric", actual.JSONType())
	}
	b, ok := expected.Number()
	if !ok {
		return 0, 0, fmt.Errorf("expected value %s is not numeric", expected.JSONType())
	}
	return a, b, nil
}

type inStrategy struct{}

func (inStrategy) Name() string { return "in" }
func (inStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	arr, ok := expected.Array()
	if !ok {
		return false, "", fmt.Errorf("in operator requires a list expected value")
	}
	for _, e := range arr {
		if model.Equal(actual, e) {
			return true, "", nil
		}
	}
	return false, fmt.Sprintf("%s is not in %s", actual.Stringify(), expected.Stringify()), nil
}

type notInStrategy struct{}

func (notInStrategy) Name() string { return "not_in" }
func (notInStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	arr, ok := expected.Array()
	if !ok {
		return false, "", fmt.Errorf("not_in operator requires a list expected value")
	}
	for _, e := range arr {
		if model.Equal(actual, e) {
			return false, fmt.Sprintf("%s should not be in %s", actual.Stringify(), expected.Stringify()), nil
		}
	}
	return true, "", nil
}

// regexStrategy and patternStrategy are aliases: both operator names
// perform the same ECMA-regex match, evaluated with dlclark/regexp2
// rather than the RE2-flavored stdlib regexp so lookahead/backreferences
// in suite-authored patterns behave the way authors expect.
type regexStrategy struct{}

func (regexStrategy) Name() string { return "regex" }
func (regexStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	return evalRegex(actual, expected)
}

type patternStrategy struct{}

func (patternStrategy) Name() string { return "pattern" }
func (patternStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	return evalRegex(actual, expected)
}

func evalRegex(actual, expected model.Value) (bool, string, error) {
	re, err := regexp2.Compile(expected.String(), regexp2.ECMAScript)
	if err != nil {
		return false, "", fmt.Errorf("invalid regex %q: %w", expected.String(), err)
	}
	matched, err := re.MatchString(actual.String())
	if err != nil {
		return false, "", fmt.Errorf("regex match failed: %w", err)
	}
	if matched {
		return true, "", nil
	}
	return false, fmt.Sprintf("%q does not match pattern %q", actual.String(), expected.String()), nil
}

type existsStrategy struct{}

func (existsStrategy) Name() string { return "exists" }
func (existsStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	want, _ := expected.Bool()
	present := !actual.IsNull()
	if present == want {
		return true, "", nil
	}
	if want {
		return false, "field does not exist", nil
	}
	return false, "field should not exist", nil
}

type notExistsStrategy struct{}

func (notExistsStrategy) Name() string { return "not_exists" }
func (notExistsStrategy) Evaluate(actual, _ model.Value) (bool, string, error) {
	if actual.IsNull() {
		return true, "", nil
	}
	return false, "field should not exist", nil
}

type notEmptyStrategy struct{}

func (notEmptyStrategy) Name() string { return "not_empty" }
func (notEmptyStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	want, _ := expected.Bool()
	isNotEmpty := !actual.Empty()
	if isNotEmpty == want {
		return true, "", nil
	}
	if want {
		return false, "value is empty", nil
	}
	return false, "value should be empty", nil
}

type lengthStrategy struct{}

func (lengthStrategy) Name() string { return "length" }
func (lengthStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	n, ok := actual.Length()
	if !ok {
		return false, "", fmt.Errorf("length operator requires a string, array or object, got %s", actual.JSONType())
	}
	want, ok := expected.Number()
	if !ok {
		return false, "", fmt.Errorf("length operator expects a numeric value")
	}
	if float64(n) == want {
		return true, "", nil
	}
	return false, fmt.Sprintf("expected length %v, got %d", want, n), nil
}

type typeStrategy struct{}

func (typeStrategy) Name() string { return "type" }
func (typeStrategy) Evaluate(actual, expected model.Value) (bool, string, error) {
	got := actual.JSONType()
	want := expected.String()
	if got == want {
		return true, "", nil
	}
	return false, fmt.Sprintf("expected type %q, got %q", want, got), nil
}
