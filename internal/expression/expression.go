// Package expression implements the sandboxed condition language used by
// step transitions. The grammar supports comparisons, boolean connectives,
// parentheses, literals and dotted field access into the instance context.
// Nothing else is reachable from an expression.
//
//	expr    := or
//	or      := and { ("||" | "or") and }
//	and     := unary { ("&&" | "and") unary }
//	unary   := ("!" | "not") unary | compare
//	compare := operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand := number | string | true | false | null | path | "(" expr ")"
package expression

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/project-flogo/core/data/coerce"

	"github.com/pitabwire/flowengine/model"
)

// Expression is a compiled condition.
type Expression struct {
	src  string
	root node
}

// String returns the source text.
func (e *Expression) String() string { return e.src }

// Eval evaluates the expression against data and returns its truth value.
func (e *Expression) Eval(data map[string]any) (bool, error) {
	v, err := e.root.eval(data)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

var cache sync.Map // source string -> *Expression

// Compile parses src. Results are cached per source string so definitions
// sharing a condition compile it once.
func Compile(src string) (*Expression, error) {
	key := src
	if cached, ok := cache.Load(key); ok {
		return cached.(*Expression), nil
	}
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("expression %q: unexpected %q at %d", src, p.peek().text, p.peek().pos)
	}
	expr := &Expression{src: src, root: root}
	cache.Store(key, expr)
	return expr, nil
}

// EvalBool compiles and evaluates src. Any parse or evaluation error yields
// false.
func EvalBool(src string, data map[string]any) bool {
	expr, err := Compile(src)
	if err != nil {
		return false
	}
	ok, err := expr.Eval(data)
	if err != nil {
		return false
	}
	return ok
}

// --- Parser ---

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{or: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch op := p.peek(); op.kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: op.kind, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at %d", t.text, t.pos)
		}
		return literalNode{value: f}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokTrue:
		return literalNode{value: true}, nil
	case tokFalse:
		return literalNode{value: false}, nil
	case tokNull:
		return literalNode{value: nil}, nil
	case tokIdent:
		return pathNode{parts: strings.Split(t.text, ".")}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %d", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

// --- Evaluation ---

type node interface {
	eval(data map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type pathNode struct{ parts []string }

// eval walks nested maps. A missing key resolves to nil rather than an
// error so that "x == null" can test for absence.
func (n pathNode) eval(data map[string]any) (any, error) {
	v, _ := model.LookupParts(data, n.parts)
	return v, nil
}

type notNode struct{ operand node }

func (n *notNode) eval(data map[string]any) (any, error) {
	v, err := n.operand.eval(data)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicalNode struct {
	or          bool
	left, right node
}

func (n *logicalNode) eval(data map[string]any) (any, error) {
	l, err := n.left.eval(data)
	if err != nil {
		return nil, err
	}
	if truthy(l) == n.or {
		return n.or, nil
	}
	r, err := n.right.eval(data)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type compareNode struct {
	op          tokenKind
	left, right node
}

func (n *compareNode) eval(data map[string]any) (any, error) {
	l, err := n.left.eval(data)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(data)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

func compare(op tokenKind, l, r any) (bool, error) {
	if l == nil || r == nil {
		switch op {
		case tokEq:
			return l == nil && r == nil, nil
		case tokNe:
			return (l == nil) != (r == nil), nil
		default:
			return false, fmt.Errorf("cannot order null")
		}
	}

	if isNumeric(l) || isNumeric(r) {
		lf, lerr := coerce.ToFloat64(l)
		rf, rerr := coerce.ToFloat64(r)
		if lerr == nil && rerr == nil {
			return ordered(op, cmpFloat(lf, rf)), nil
		}
		if op != tokEq && op != tokNe {
			return false, fmt.Errorf("cannot compare %T with %T", l, r)
		}
	}

	if lb, ok := l.(bool); ok {
		rb, err := coerce.ToBool(r)
		if err != nil {
			return false, err
		}
		return equality(op, lb == rb)
	}
	if rb, ok := r.(bool); ok {
		lb, err := coerce.ToBool(l)
		if err != nil {
			return false, err
		}
		return equality(op, lb == rb)
	}

	ls, err := coerce.ToString(l)
	if err != nil {
		return false, err
	}
	rs, err := coerce.ToString(r)
	if err != nil {
		return false, err
	}
	return ordered(op, strings.Compare(ls, rs)), nil
}

func equality(op tokenKind, equal bool) (bool, error) {
	switch op {
	case tokEq:
		return equal, nil
	case tokNe:
		return !equal, nil
	default:
		return false, fmt.Errorf("cannot order booleans")
	}
}

func ordered(op tokenKind, c int) bool {
	switch op {
	case tokEq:
		return c == 0
	case tokNe:
		return c != 0
	case tokLt:
		return c < 0
	case tokLe:
		return c <= 0
	case tokGt:
		return c > 0
	default:
		return c >= 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// truthy maps a value onto a boolean: nil, false, zero numbers, empty
// strings and empty collections are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	}
	if isNumeric(v) {
		f, err := coerce.ToFloat64(v)
		return err == nil && f != 0
	}
	b, err := coerce.ToBool(v)
	return err == nil && b
}
