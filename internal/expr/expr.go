// Package expr classifies expressions:
// given a raw string token, decide whether it is a
// faker call, a JMESPath query, a JavaScript expression, a `{{...}}`
// template, or a plain literal.
package expr

import (
	"regexp"
	"strings"

	"github.com/flowtestlabs/flowtest/internal/errs"
)

// Category is the classification result.
type Category string

const (
	CategoryFaker    Category = "faker"
	CategoryJMESPath Category = "jmespath"
	CategoryJS       Category = "javascript"
	CategoryTemplate Category = "template"
	CategoryLiteral  Category = "literal"
)

// Result is the output of Classify: a category, the remaining payload
// once the category's prefix is stripped, and any warnings raised along
// the way.
type Result struct {
	Category Category
	Payload  string
	Warnings []string
}

var (
	looksLikeJMESPath = regexp.MustCompile(`^[A-Za-z_][\w.]*(\[\d+\]|\[\*\]|\.\*)`)
	looksLikeJS       = regexp.MustCompile(`[=<>!]=|&&|\|\||=>`)
)

// Classify applies prefix dispatch in priority order:
//  1. "#faker."  -> faker
//  2. "@"        -> jmespath
//  3. "$"        -> javascript
//  4. contains "{{" -> template
//  5. otherwise  -> literal
//
// Mixing categories within one string outside `{{...}}` braces is an
// error (MIXED_SYNTAX).
func Classify(raw string) (Result, error) {
	switch {
	case strings.HasPrefix(raw, "#faker."):
		payload := strings.TrimPrefix(raw, "#faker.")
		if err := checkMixed(payload, CategoryFaker); err != nil {
			return Result{}, err
		}
		return Result{Category: CategoryFaker, Payload: payload}, nil

	case strings.HasPrefix(raw, "@"):
		payload := strings.TrimPrefix(raw, "@")
		if err := checkMixed(payload, CategoryJMESPath); err != nil {
			return Result{}, err
		}
		return Result{Category: CategoryJMESPath, Payload: payload}, nil

	case strings.HasPrefix(raw, "$"):
		payload := strings.TrimPrefix(raw, "$")
		if err := checkMixed(payload, CategoryJS); err != nil {
			return Result{}, err
		}
		return Result{Category: CategoryJS, Payload: payload}, nil

	case strings.Contains(raw, "{{"):
		return Result{Category: CategoryTemplate, Payload: raw}, nil

	default:
		res := Result{Category: CategoryLiteral, Payload: raw}
		if looksLikeJMESPath.MatchString(raw) || looksLikeJS.MatchString(raw) {
			res.Warnings = append(res.Warnings, "literal '"+raw+"' resembles a JMESPath or JavaScript expression but has no "+
				"'@'/'$' prefix; treating as a literal")
		}
		return res, nil
	}
}

// checkMixed rejects payloads that still carry another category's
// prefix outside of `{{...}}` interpolation braces, e.g. "@$foo" or
// "#faker.@bar".
func checkMixed(payload string, self Category) error {
	depth := 0
	for i := 0; i < len(payload); i++ {
		switch {
		case strings.HasPrefix(payload[i:], "{{"):
			depth++
			i++
		case strings.HasPrefix(payload[i:], "}}"):
			if depth > 0 {
				depth--
			}
			i++
		case depth == 0 && payload[i] == '@' && self != CategoryJMESPath:
			return errs.New(errs.KindInterpolation, errs.CodeMixedSyntax, "mixed syntax: '@' found inside a "+string(self)+" expression", nil)
		case depth == 0 && payload[i] == '#' && strings.HasPrefix(payload[i:], "#faker.") && self != CategoryFaker:
			return errs.New(errs.KindInterpolation, errs.CodeMixedSyntax, "mixed syntax: '#faker.' found inside a "+string(self)+" expression", nil)
		}
	}
	return nil
}

// IsCodeBlock reports whether a JavaScript payload should be treated as
// a statement block (wrapped in a zero-arg function) rather than a bare
// expression (wrapped in `return (...)`): sources that start with
// `return` or contain `;` are treated as code blocks.
func IsCodeBlock(jsPayload string) bool {
	trimmed := strings.TrimSpace(jsPayload)
	return strings.HasPrefix(trimmed, "return") || strings.Contains(trimmed, ";")
}
