package calculator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokenNumber tokenType = iota
	tokenPlus
	tokenMinus
	tokenStar
	tokenSlash
	tokenPercent
	tokenPower
	tokenLParen
	tokenRParen
)

type token struct {
	typ   tokenType
	text  string
	value float64
}

type evalError struct {
	kind ErrorKind
	msg  string
}

func (e *evalError) Error() string { return e.msg }

func newEvalError(kind ErrorKind, format string, args ...any) error {
	return &evalError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func asEvalError(err error, target **evalError) bool {
	return errors.As(err, target)
}

func tokenize(expr string) ([]token, error) {
	if !validChars.MatchString(expr) {
		return nil, newEvalError(ErrorInvalidChars, "expression contains invalid characters")
	}

	var tokens []token
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r >= '0' && r <= '9' || r == '.':
			start := i
			dots := 0
			for i < len(runes) && (runes[i] >= '0' && runes[i] <= '9' || runes[i] == '.') {
				if runes[i] == '.' {
					dots++
				}
				i++
			}
			text := string(runes[start:i])
			if dots > 1 {
				return nil, newEvalError(ErrorSyntax, "malformed number %q", text)
			}
			value, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, newEvalError(ErrorSyntax, "malformed number %q", text)
			}
			tokens = append(tokens, token{typ: tokenNumber, text: text, value: value})
		case r == '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				tokens = append(tokens, token{typ: tokenPower, text: "**"})
				i += 2
			} else {
				tokens = append(tokens, token{typ: tokenStar, text: "*"})
				i++
			}
		case r == '+':
			tokens = append(tokens, token{typ: tokenPlus, text: "+"})
			i++
		case r == '-':
			tokens = append(tokens, token{typ: tokenMinus, text: "-"})
			i++
		case r == '/':
			tokens = append(tokens, token{typ: tokenSlash, text: "/"})
			i++
		case r == '%':
			tokens = append(tokens, token{typ: tokenPercent, text: "%"})
			i++
		case r == '(':
			tokens = append(tokens, token{typ: tokenLParen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{typ: tokenRParen, text: ")"})
			i++
		default:
			return nil, newEvalError(ErrorInvalidChars, "invalid character %q", string(r))
		}
	}
	if len(tokens) == 0 {
		return nil, newEvalError(ErrorSyntax, "empty expression")
	}
	return tokens, nil
}

// parser is a recursive-descent evaluator with the grammar:
//
//	expr   := term (('+' | '-') term)*
//	term   := unary (('*' | '/' | '%') unary)*
//	unary  := '-' unary | power
//	power  := primary ('**' unary)?
//	primary:= NUMBER | '(' expr ')'
//
// '**' binds tighter than unary minus (-2**2 == -4) and is right-associative.
type parser struct {
	tokens []token
	pos    int
}

// Evaluate parses and computes expr. Errors carry an ErrorKind.
func Evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}

	p := &parser{tokens: tokens}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.tokens) {
		return 0, newEvalError(ErrorSyntax, "unexpected token %q", p.tokens[p.pos].text)
	}
	return checkFinite(value)
}

func checkFinite(v float64) (float64, error) {
	if math.IsInf(v, 0) {
		return 0, newEvalError(ErrorOverflow, "result exceeds representable range")
	}
	if math.IsNaN(v) {
		return 0, newEvalError(ErrorOther, "result is not a number")
	}
	return v, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos], true
	}
	return token{}, false
}

func (p *parser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.typ != tokenPlus && t.typ != tokenMinus) {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if t.typ == tokenPlus {
			left += right
		} else {
			left -= right
		}
		if left, err = checkFinite(left); err != nil {
			return 0, err
		}
	}
}

func (p *parser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.typ != tokenStar && t.typ != tokenSlash && t.typ != tokenPercent) {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch t.typ {
		case tokenStar:
			left *= right
		case tokenSlash:
			if right == 0 {
				return 0, newEvalError(ErrorDivideByZero, "division by zero")
			}
			left /= right
		case tokenPercent:
			if right == 0 {
				return 0, newEvalError(ErrorDivideByZero, "modulo by zero")
			}
			left = math.Mod(left, right)
		}
		if left, err = checkFinite(left); err != nil {
			return 0, err
		}
	}
}

func (p *parser) parseUnary() (float64, error) {
	if t, ok := p.peek(); ok && t.typ == tokenMinus {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	t, ok := p.peek()
	if !ok || t.typ != tokenPower {
		return base, nil
	}
	p.pos++
	exponent, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	return checkFinite(math.Pow(base, exponent))
}

func (p *parser) parsePrimary() (float64, error) {
	t, ok := p.peek()
	if !ok {
		return 0, newEvalError(ErrorSyntax, "unexpected end of expression")
	}
	switch t.typ {
	case tokenNumber:
		p.pos++
		return t.value, nil
	case tokenLParen:
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		closing, ok := p.peek()
		if !ok || closing.typ != tokenRParen {
			return 0, newEvalError(ErrorSyntax, "missing closing parenthesis")
		}
		p.pos++
		return v, nil
	default:
		return 0, newEvalError(ErrorSyntax, "unexpected token %q", t.text)
	}
}
