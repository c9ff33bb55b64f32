// Package calculator detects arithmetic intent in free text, extracts a
// canonical expression, and evaluates it with a dedicated parser. No
// runtime-eval facility is involved; only the characters
// 0-9 . + - * / % ( ) (and ** for exponentiation) ever reach the evaluator.
package calculator

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind classifies a failed calculation.
type ErrorKind string

const (
	ErrorNoExpression ErrorKind = "no_expression"
	ErrorInvalidChars ErrorKind = "invalid_chars"
	ErrorSyntax       ErrorKind = "syntax"
	ErrorDivideByZero ErrorKind = "divide_by_zero"
	ErrorOverflow     ErrorKind = "overflow"
	ErrorOther        ErrorKind = "other"
)

// Result is the outcome of a calculation attempt. Value is only present
// when OK is true.
type Result struct {
	OK           bool      `json:"ok"`
	Expression   string    `json:"expression,omitempty"`
	Value        *float64  `json:"value,omitempty"`
	Formatted    string    `json:"formatted,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// wordOperators maps spelled-out operators to their symbols. Multi-word
// phrases must be replaced before their single-word prefixes ("multiplied
// by" before "times" is irrelevant, but "to the power of" contains "of"
// and must go first), so the slice is ordered longest-first.
var wordOperators = []struct {
	word string
	op   string
}{
	{"to the power of", "**"},
	{"multiplied by", "*"},
	{"divided by", "/"},
	{"modulo", "%"},
	{"plus", "+"},
	{"minus", "-"},
	{"times", "*"},
	{"over", "/"},
}

// triggerWords signal calculation intent when paired with a number.
var triggerWords = []string{
	"plus", "minus", "times", "multiplied by", "divided by",
	"calculate", "compute", "what is", "equals",
}

var (
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	// A span of numbers joined by operators, optionally parenthesized.
	exprRe = regexp.MustCompile(`-?\s*\(*\s*\d+(?:\.\d+)?(?:\s*(?:\*\*|[+\-*/%])\s*\(*\s*-?\s*\d+(?:\.\d+)?\s*\)*)+`)
	// Operators standing between two numeric tokens.
	mathExprRe = regexp.MustCompile(`\d+(?:\.\d+)?\s*(?:\*\*|[+\-*/%])\s*\d+(?:\.\d+)?`)
	validChars = regexp.MustCompile(`^[0-9.\s+\-*/%()]+$`)
)

// DetectIntent reports whether text contains a recognizable arithmetic
// trigger, with a short reason.
func DetectIntent(text string) (bool, string) {
	lower := strings.ToLower(text)

	if mathExprRe.MatchString(lower) {
		return true, "math expression found"
	}

	hasNumber := numberRe.MatchString(lower)
	if hasNumber {
		for _, w := range triggerWords {
			if strings.Contains(lower, w) {
				return true, fmt.Sprintf("trigger word %q with numbers", w)
			}
		}
	}

	return false, "no arithmetic trigger"
}

// ExtractExpression pulls a single canonical expression out of free text.
// Bare expressions win; otherwise word operators are substituted first.
func ExtractExpression(text string) (string, bool) {
	if expr, ok := longestExpression(text); ok {
		return expr, true
	}

	lower := strings.ToLower(text)
	for _, wo := range wordOperators {
		lower = strings.ReplaceAll(lower, wo.word, " "+wo.op+" ")
	}
	return longestExpression(lower)
}

func longestExpression(text string) (string, bool) {
	matches := exprRe.FindAllString(text, -1)
	best := ""
	for _, m := range matches {
		if len(m) > len(best) {
			best = m
		}
	}
	if best == "" {
		return "", false
	}
	return canonicalize(balanceParens(best)), true
}

// balanceParens trims unmatched closing parens and closes unmatched
// opening ones so that a span clipped out of a sentence still parses.
func balanceParens(expr string) string {
	depth := 0
	var b strings.Builder
	for _, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				continue
			}
			depth--
		}
		b.WriteRune(r)
	}
	out := b.String()
	for ; depth > 0; depth-- {
		out += ")"
	}
	return out
}

// canonicalize normalizes whitespace to single spaces between tokens.
func canonicalize(expr string) string {
	tokens, err := tokenize(expr)
	if err != nil {
		return strings.Join(strings.Fields(expr), " ")
	}
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, t.text)
	}
	return strings.Join(parts, " ")
}

// ParseAndCalculate extracts an expression from text and evaluates it.
func ParseAndCalculate(text string) Result {
	expr, ok := ExtractExpression(text)
	if !ok {
		return Result{
			OK:           false,
			ErrorKind:    ErrorNoExpression,
			ErrorMessage: "no arithmetic expression found",
		}
	}
	return Calculate(expr)
}

// Calculate evaluates an already-extracted expression.
func Calculate(expr string) Result {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Result{
			OK:           false,
			ErrorKind:    ErrorNoExpression,
			ErrorMessage: "empty expression",
		}
	}

	value, err := Evaluate(expr)
	if err != nil {
		kind := ErrorOther
		var evalErr *evalError
		if ok := asEvalError(err, &evalErr); ok {
			kind = evalErr.kind
		}
		return Result{
			OK:           false,
			Expression:   canonicalize(expr),
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
		}
	}

	rounded := roundTo(value, 6)
	canonical := canonicalize(expr)
	return Result{
		OK:         true,
		Expression: canonical,
		Value:      &rounded,
		Formatted:  canonical + " = " + FormatValue(rounded),
	}
}

// FormatValue renders a result without trailing zeros ("8", not "8.000000").
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func roundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}
