// Package calc evaluates the explicit arithmetic expressions produced by the
// planner. Expressions are restricted to numeric literals, the operators
// + - * / ^, percent literals such as 12.5%, and a small function allow-list;
// variable names and arbitrary code are rejected before evaluation. Comma
// thousands separators and scientific notation are normalized away so that
// values copied out of report text evaluate cleanly.
package calc

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/marq-ai/marq/internal/metrics"
)

// Typed evaluation errors callers can branch on.
var (
	ErrInvalidSyntax  = errors.New("calc: invalid expression syntax")
	ErrDisallowedName = errors.New("calc: expression contains a disallowed name")
	ErrDivisionByZero = errors.New("calc: division by zero")
	ErrNotNumeric     = errors.New("calc: expression did not evaluate to a number")
)

// allowedFuncs is the safe function allow-list.
var allowedFuncs = map[string]govaluate.ExpressionFunction{
	"abs": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("abs takes one argument")
		}
		return math.Abs(toFloat(args[0])), nil
	},
	"round": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("round takes one argument")
		}
		return math.Round(toFloat(args[0])), nil
	},
	"min": func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("min takes at least one argument")
		}
		m := toFloat(args[0])
		for _, a := range args[1:] {
			m = math.Min(m, toFloat(a))
		}
		return m, nil
	},
	"max": func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("max takes at least one argument")
		}
		m := toFloat(args[0])
		for _, a := range args[1:] {
			m = math.Max(m, toFloat(a))
		}
		return m, nil
	},
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// identifierRe matches alphabetic tokens so names can be screened before the
// expression ever reaches the evaluator.
var identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

var (
	groupedCommaRe = regexp.MustCompile(`(\d),(\d)`)
	scientificRe   = regexp.MustCompile(`\d+(?:\.\d+)?[eE][+-]?\d+`)
	percentRe      = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
)

// normalize rewrites the literal forms numbers take in report text into plain
// decimal arithmetic: comma thousands separators are stripped, scientific
// notation is expanded, percent literals become a division by 100, and ^ is
// respelled as the evaluator's ** exponentiation.
func normalize(expr string) string {
	for {
		out := groupedCommaRe.ReplaceAllString(expr, "$1$2")
		if out == expr {
			break
		}
		expr = out
	}
	expr = scientificRe.ReplaceAllStringFunc(expr, func(lit string) string {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return lit
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	})
	expr = percentRe.ReplaceAllString(expr, "($1/100)")
	return strings.ReplaceAll(expr, "^", "**")
}

// Evaluate computes a restricted arithmetic expression and returns a single
// numeric scalar.
func Evaluate(expression string) (float64, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		metrics.CalcEvaluations.WithLabelValues("error").Inc()
		return 0, ErrInvalidSyntax
	}

	expr = normalize(expr)

	for _, name := range identifierRe.FindAllString(expr, -1) {
		if _, ok := allowedFuncs[strings.ToLower(name)]; !ok {
			metrics.CalcEvaluations.WithLabelValues("rejected").Inc()
			return 0, fmt.Errorf("%w: %q", ErrDisallowedName, name)
		}
	}

	parsed, err := govaluate.NewEvaluableExpressionWithFunctions(expr, allowedFuncs)
	if err != nil {
		metrics.CalcEvaluations.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: %v", ErrInvalidSyntax, err)
	}

	result, err := parsed.Evaluate(nil)
	if err != nil {
		metrics.CalcEvaluations.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: %v", ErrInvalidSyntax, err)
	}

	f, ok := result.(float64)
	if !ok {
		metrics.CalcEvaluations.WithLabelValues("error").Inc()
		return 0, ErrNotNumeric
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		metrics.CalcEvaluations.WithLabelValues("error").Inc()
		return 0, ErrDivisionByZero
	}

	metrics.CalcEvaluations.WithLabelValues("ok").Inc()
	return f, nil
}
