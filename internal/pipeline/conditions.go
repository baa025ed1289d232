package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stratoforge/quantra/internal/errkind"
)

// Resolver supplies state field values to condition evaluation.
type Resolver interface {
	Field(path string) (any, bool)
}

// docResolver walks a decoded JSON document by dotted path. Built once per
// node boundary so evaluating several edges does not re-marshal the state.
type docResolver map[string]any

func (d docResolver) Field(path string) (any, bool) {
	return resolvePath(map[string]any(d), path)
}

func newDocResolver(stateJSON []byte) (docResolver, error) {
	var doc map[string]any
	if err := json.Unmarshal(stateJSON, &doc); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}
	return docResolver(doc), nil
}

func resolvePath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// EvalCondition evaluates an edge condition against the state. The grammar
// is comparisons (==, !=, <, <=, >, >=) over field paths and literals,
// joined by && and ||, with && binding tighter. An empty condition is the
// default edge and always passes. Unresolvable fields make their comparison
// false rather than erroring so a sparse state follows default edges.
func EvalCondition(expr string, r Resolver) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	p := &condParser{input: expr}
	p.tokenize()
	if p.err != nil {
		return false, p.err
	}
	result := p.parseOr(r)
	if p.err != nil {
		return false, p.err
	}
	if p.pos != len(p.tokens) {
		return false, errkind.Newf(errkind.Validation, "trailing input in condition %q", expr)
	}
	return result, nil
}

type condParser struct {
	input  string
	tokens []string
	pos    int
	err    error
}

var condOperators = []string{"&&", "||", "==", "!=", "<=", ">=", "<", ">"}

func (p *condParser) tokenize() {
	s := p.input
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		if op := matchOperator(s); op != "" {
			p.tokens = append(p.tokens, op)
			s = s[len(op):]
			continue
		}
		if s[0] == '\'' || s[0] == '"' {
			quote := s[0]
			end := strings.IndexByte(s[1:], quote)
			if end < 0 {
				p.err = errkind.Newf(errkind.Validation, "unterminated string in condition %q", p.input)
				return
			}
			p.tokens = append(p.tokens, s[:end+2])
			s = s[end+2:]
			continue
		}
		// bare token: field path, number, or boolean
		i := 0
		for i < len(s) && !strings.ContainsRune(" \t<>=!&|'\"", rune(s[i])) {
			i++
		}
		if i == 0 {
			p.err = errkind.Newf(errkind.Validation, "unexpected character %q in condition %q", s[0], p.input)
			return
		}
		p.tokens = append(p.tokens, s[:i])
		s = s[i:]
	}
}

func matchOperator(s string) string {
	for _, op := range condOperators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func (p *condParser) parseOr(r Resolver) bool {
	result := p.parseAnd(r)
	for p.err == nil && p.peek() == "||" {
		p.pos++
		// no short circuit: the right side still gets syntax-checked
		right := p.parseAnd(r)
		result = result || right
	}
	return result
}

func (p *condParser) parseAnd(r Resolver) bool {
	result := p.parseComparison(r)
	for p.err == nil && p.peek() == "&&" {
		p.pos++
		right := p.parseComparison(r)
		result = result && right
	}
	return result
}

func (p *condParser) parseComparison(r Resolver) bool {
	left, ok := p.next()
	if !ok {
		p.fail("missing operand")
		return false
	}
	op, ok := p.next()
	if !ok || !isComparisonOp(op) {
		p.fail("missing comparison operator")
		return false
	}
	right, ok := p.next()
	if !ok {
		p.fail("missing right operand")
		return false
	}

	lv, lok := p.operandValue(left, r)
	rv, rok := p.operandValue(right, r)
	if !lok || !rok {
		return false
	}
	return compare(lv, rv, op)
}

func isComparisonOp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *condParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *condParser) next() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	tok := p.tokens[p.pos]
	p.pos++
	return tok, true
}

func (p *condParser) fail(msg string) {
	if p.err == nil {
		p.err = errkind.Newf(errkind.Validation, "%s in condition %q", msg, p.input)
	}
}

// operandValue turns a token into a value: quoted strings and numeric or
// boolean literals stay literal, anything else resolves as a field path.
func (p *condParser) operandValue(tok string, r Resolver) (any, bool) {
	if len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') {
		return tok[1 : len(tok)-1], true
	}
	if tok == "true" {
		return true, true
	}
	if tok == "false" {
		return false, true
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		return n, true
	}
	return r.Field(tok)
}

// compare applies op across JSON value types. Numbers compare numerically,
// strings lexically, booleans only for equality. Mismatched types fall back
// to string forms for == and != and are false otherwise.
func compare(left, right any, op string) bool {
	if ln, lok := asNumber(left); lok {
		if rn, rok := asNumber(right); rok {
			return compareFloats(ln, rn, op)
		}
	}
	lb, lIsBool := left.(bool)
	rb, rIsBool := right.(bool)
	if lIsBool && rIsBool {
		switch op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
		return false
	}
	ls, rs := stringForm(left), stringForm(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func compareFloats(l, r float64, op string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringForm(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
