// Package expr implements the restricted boolean expression language used
// by config-driven gates and condition triggers.
//
// The language is deliberately tiny: comparisons, boolean operators,
// membership tests, literals, and row field access. There are no function
// calls (beyond row.get), no attribute access, no arithmetic, and no way to
// reach anything except the row:
//
//	row['status'] == 'active' and row['amount'] >= 100
//	row['category'] in ['electronics', 'computers']
//	not row.get('reviewed', false)
//
// Expressions are compiled once at pipeline build time and evaluated per
// row. Compilation rejects anything outside the whitelist with a pointed
// message; evaluation errors (missing fields, type confusion) are reported
// to the caller, which decides whether the row fails or diverts.
package expr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/elspeth-run/elspeth/contract"
)

const maxParseDepth = 50

// Expr is a compiled expression. Safe for concurrent evaluation: the tree
// is immutable after Compile.
type Expr struct {
	source string
	root   node
	fields []string
}

// Compile parses and validates an expression. The returned Expr evaluates
// strictly to a boolean; expressions that produce any other type fail at
// evaluation time.
func Compile(source string) (*Expr, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, fmt.Errorf("empty condition")
	}
	toks, err := lex(trimmed)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", trimmed, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", trimmed, err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("condition %q: unexpected %q after expression", trimmed, p.peek().text)
	}
	seen := map[string]bool{}
	collectFields(root, seen)
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &Expr{source: trimmed, root: root, fields: fields}, nil
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.source }

// Fields returns the row fields the expression references, sorted. Build
// time validation checks these against the upstream contract.
func (e *Expr) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Eval evaluates the expression against a row. The result must be boolean;
// anything else is an error, as is accessing a missing field with row[...]
// (row.get with a default is the escape hatch for optional fields).
func (e *Expr) Eval(row contract.Row) (bool, error) {
	v, err := e.root.eval(row)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", e.source, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("evaluating %q: result is %s, not boolean", e.source, typeName(v))
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp     // == != < <= > >=
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokComma
	tokDot
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBrack, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBrack, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			op := src[start:i]
			if op == "=" {
				return nil, fmt.Errorf("position %d: single '=' is not an operator (use '==')", start)
			}
			if op == "!" {
				return nil, fmt.Errorf("position %d: '!' is not an operator (use 'not' or '!=')", start)
			}
			toks = append(toks, token{tokOp, op, start})
		case c == '\'' || c == '"':
			quote := c
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					next := src[i+1]
					switch next {
					case '\\', '\'', '"':
						b.WriteByte(next)
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					default:
						return nil, fmt.Errorf("position %d: unsupported escape \\%c", i, next)
					}
					i += 2
					continue
				}
				if src[i] == quote {
					closed = true
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("position %d: unterminated string", start)
			}
			toks = append(toks, token{tokString, b.String(), start})
		case c >= '0' && c <= '9' || (c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '+' || src[i] == '-') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentByte(c):
			start := i
			for i < len(src) && (isIdentByte(src[i]) || src[i] >= '0' && src[i] <= '9') {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("position %d: unexpected character %q", i, string(c))
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *parser) isIdent(s string) bool {
	return p.peek().kind == tokIdent && p.peek().text == s
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return token{}, fmt.Errorf("position %d: expected %s, got %q", t.pos, what, t.text)
	}
	return t, nil
}

// parseExpr handles 'or' (lowest precedence).
func (p *parser) parseExpr(depth int) (node, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("expression too deeply nested")
	}
	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.isIdent("or") {
		p.next()
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &boolOp{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd(depth int) (node, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("expression too deeply nested")
	}
	left, err := p.parseNot(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.isIdent("and") {
		p.next()
		right, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &boolOp{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot(depth int) (node, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("expression too deeply nested")
	}
	if p.isIdent("not") {
		// Lookahead: "not in" is handled by parseComparison, so "not" here
		// must start a unary negation, which it does unless followed by "in".
		p.next()
		inner, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		return &notOp{inner: inner}, nil
	}
	return p.parseComparison(depth + 1)
}

func (p *parser) parseComparison(depth int) (node, error) {
	left, err := p.parseOperand(depth + 1)
	if err != nil {
		return nil, err
	}
	switch {
	case p.peek().kind == tokOp:
		op := p.next().text
		right, err := p.parseOperand(depth + 1)
		if err != nil {
			return nil, err
		}
		return &compareOp{op: op, left: left, right: right}, nil
	case p.isIdent("in"):
		p.next()
		right, err := p.parseOperand(depth + 1)
		if err != nil {
			return nil, err
		}
		return &membershipOp{negate: false, left: left, right: right}, nil
	case p.isIdent("not"):
		p.next()
		if !p.isIdent("in") {
			return nil, fmt.Errorf("position %d: expected 'in' after 'not'", p.peek().pos)
		}
		p.next()
		right, err := p.parseOperand(depth + 1)
		if err != nil {
			return nil, err
		}
		return &membershipOp{negate: true, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand(depth int) (node, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("expression too deeply nested")
	}
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBrack:
		return p.parseList(depth + 1)
	case tokNumber:
		p.next()
		return parseNumber(t)
	case tokString:
		p.next()
		return &literal{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			p.next()
			return &literal{value: true}, nil
		case "false", "False":
			p.next()
			return &literal{value: false}, nil
		case "none", "None", "null":
			p.next()
			return &literal{value: nil}, nil
		case "row":
			return p.parseRowAccess()
		case "lambda":
			return nil, fmt.Errorf("position %d: lambdas are not allowed in conditions", t.pos)
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("position %d: unexpected keyword %q", t.pos, t.text)
		default:
			return nil, fmt.Errorf("position %d: unknown identifier %q (only 'row' may be referenced)", t.pos, t.text)
		}
	}
	return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
}

func (p *parser) parseList(depth int) (node, error) {
	if _, err := p.expect(tokLBrack, "'['"); err != nil {
		return nil, err
	}
	var items []node
	if p.peek().kind == tokRBrack {
		p.next()
		return &listLiteral{items: items}, nil
	}
	for {
		item, err := p.parseOperand(depth + 1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRBrack, "']'"); err != nil {
		return nil, err
	}
	return &listLiteral{items: items}, nil
}

// parseRowAccess handles row['field'] and row.get('field'[, default]).
// Any other use of row (bare reference, other methods, chained access) is
// rejected.
func (p *parser) parseRowAccess() (node, error) {
	rowTok := p.next() // consume 'row'
	switch p.peek().kind {
	case tokLBrack:
		p.next()
		key, err := p.expect(tokString, "a quoted field name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBrack, "']'"); err != nil {
			return nil, err
		}
		return &fieldAccess{field: key.text, strict: true}, nil
	case tokDot:
		p.next()
		method, err := p.expect(tokIdent, "a method name")
		if err != nil {
			return nil, err
		}
		if method.text != "get" {
			return nil, fmt.Errorf("position %d: row.%s is not allowed (only row.get)", method.pos, method.text)
		}
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		key, err := p.expect(tokString, "a quoted field name")
		if err != nil {
			return nil, err
		}
		fa := &fieldAccess{field: key.text}
		if p.peek().kind == tokComma {
			p.next()
			def, err := p.parseDefaultLiteral()
			if err != nil {
				return nil, err
			}
			fa.defaultValue = def
			fa.hasDefault = true
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return fa, nil
	}
	return nil, fmt.Errorf("position %d: bare 'row' is not allowed (use row['field'] or row.get)", rowTok.pos)
}

// parseDefaultLiteral restricts row.get defaults to scalar literals.
func (p *parser) parseDefaultLiteral() (any, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		lit, err := parseNumber(t)
		if err != nil {
			return nil, err
		}
		return lit.(*literal).value, nil
	case tokString:
		return t.text, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		case "none", "None", "null":
			return nil, nil
		}
	}
	return nil, fmt.Errorf("position %d: row.get default must be a literal, got %q", t.pos, t.text)
}

func parseNumber(t token) (node, error) {
	if !strings.ContainsAny(t.text, ".eE") {
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err == nil {
			return &literal{value: n}, nil
		}
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, fmt.Errorf("position %d: invalid number %q", t.pos, t.text)
	}
	return &literal{value: f}, nil
}

// ---------------------------------------------------------------------------
// AST and evaluation
// ---------------------------------------------------------------------------

type node interface {
	eval(row contract.Row) (any, error)
}

type literal struct{ value any }

func (l *literal) eval(contract.Row) (any, error) { return l.value, nil }

type listLiteral struct{ items []node }

func (l *listLiteral) eval(row contract.Row) (any, error) {
	out := make([]any, len(l.items))
	for i, item := range l.items {
		v, err := item.eval(row)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type fieldAccess struct {
	field        string
	strict       bool
	hasDefault   bool
	defaultValue any
}

func (f *fieldAccess) eval(row contract.Row) (any, error) {
	v, ok := row.Lookup(f.field)
	if ok {
		return normalizeValue(v), nil
	}
	if f.hasDefault {
		return f.defaultValue, nil
	}
	if f.strict {
		return nil, fmt.Errorf("row has no field %q", f.field)
	}
	return nil, nil
}

type boolOp struct {
	op          string
	left, right node
}

func (b *boolOp) eval(row contract.Row) (any, error) {
	lv, err := b.left.eval(row)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, fmt.Errorf("left side of %q is %s, not boolean", b.op, typeName(lv))
	}
	// Short circuit.
	if b.op == "and" && !lb {
		return false, nil
	}
	if b.op == "or" && lb {
		return true, nil
	}
	rv, err := b.right.eval(row)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, fmt.Errorf("right side of %q is %s, not boolean", b.op, typeName(rv))
	}
	return rb, nil
}

type notOp struct{ inner node }

func (n *notOp) eval(row contract.Row) (any, error) {
	v, err := n.inner.eval(row)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of 'not' is %s, not boolean", typeName(v))
	}
	return !b, nil
}

type compareOp struct {
	op          string
	left, right node
}

func (c *compareOp) eval(row contract.Row) (any, error) {
	lv, err := c.left.eval(row)
	if err != nil {
		return nil, err
	}
	rv, err := c.right.eval(row)
	if err != nil {
		return nil, err
	}
	switch c.op {
	case "==":
		return valuesEqual(lv, rv), nil
	case "!=":
		return !valuesEqual(lv, rv), nil
	}
	cmp, err := compareOrdered(lv, rv)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", typeName(lv), c.op, typeName(rv), err)
	}
	switch c.op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.op)
}

type membershipOp struct {
	negate      bool
	left, right node
}

func (m *membershipOp) eval(row contract.Row) (any, error) {
	lv, err := m.left.eval(row)
	if err != nil {
		return nil, err
	}
	rv, err := m.right.eval(row)
	if err != nil {
		return nil, err
	}
	var found bool
	switch container := rv.(type) {
	case []any:
		for _, item := range container {
			if valuesEqual(lv, item) {
				found = true
				break
			}
		}
	case string:
		s, ok := lv.(string)
		if !ok {
			return nil, fmt.Errorf("'in' on a string requires a string operand, got %s", typeName(lv))
		}
		found = strings.Contains(container, s)
	default:
		return nil, fmt.Errorf("'in' requires a list or string, got %s", typeName(rv))
	}
	if m.negate {
		return !found, nil
	}
	return found, nil
}

// ---------------------------------------------------------------------------
// Value helpers
// ---------------------------------------------------------------------------

// normalizeValue widens row values to the evaluator's scalar set so
// comparisons do not depend on how the source decoded the data.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	}
	return v
}

func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

// compareOrdered returns -1/0/1. Only numbers compare with numbers and
// strings with strings; everything else is an error rather than a silent
// false.
func compareOrdered(a, b any) (int, error) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, fmt.Errorf("cannot order a number against %s", typeName(b))
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("values are not orderable")
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, float64, int:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}

func collectFields(n node, seen map[string]bool) {
	switch t := n.(type) {
	case *fieldAccess:
		seen[t.field] = true
	case *boolOp:
		collectFields(t.left, seen)
		collectFields(t.right, seen)
	case *notOp:
		collectFields(t.inner, seen)
	case *compareOp:
		collectFields(t.left, seen)
		collectFields(t.right, seen)
	case *membershipOp:
		collectFields(t.left, seen)
		collectFields(t.right, seen)
	case *listLiteral:
		for _, item := range t.items {
			collectFields(item, seen)
		}
	}
}
