package dsl

import (
	"math"
	"strconv"

	"github.com/platinummonkey/datafold/internal/fault"
)

// Interpreter tree-walks a parsed expression against a single mutable
// variable environment, per spec §4.5. Variable resolution for
// `schema.field` tries the dotted key first, then the bare field name.
type Interpreter struct {
	vars map[string]Value
}

// NewInterpreter seeds an interpreter with the input bindings a transform
// was invoked with (keyed by the registry's transform_input_names local
// variable names, and/or "schema.field" dotted keys).
func NewInterpreter(bindings map[string]Value) *Interpreter {
	vars := make(map[string]Value, len(bindings))
	for k, v := range bindings {
		vars[k] = v
	}
	return &Interpreter{vars: vars}
}

// Evaluate runs expr against the interpreter's environment.
func (in *Interpreter) Evaluate(expr Expr) (Value, error) {
	switch e := expr.(type) {
	case *Literal:
		return e.Value, nil
	case *Variable:
		return in.resolve(e.Name)
	case *SchemaField:
		return in.resolveSchemaField(e.Schema, e.Field)
	case *BinaryOp:
		return in.evalBinary(e)
	case *UnaryOp:
		return in.evalUnary(e)
	case *FunctionCall:
		return in.evalCall(e)
	case *Let:
		return in.evalLet(e)
	case *If:
		return in.evalIf(e)
	case *Return:
		return in.Evaluate(e.Expr)
	case *Seq:
		if _, err := in.Evaluate(e.First); err != nil {
			return Null(), err
		}
		return in.Evaluate(e.Rest)
	default:
		return Null(), fault.New(fault.EvaluationFailed, "dsl: unknown expression node %T", expr)
	}
}

// evalLet binds Name in the interpreter's (single, mutable, un-scoped)
// environment and then evaluates Body. Because the environment is shared
// rather than pushed/popped per binding, the value stays visible to every
// statement evaluated afterward — the sequential persistence spec §4.5
// calls for. A Body that is still the Literal{Null} placeholder (a `let`
// with nothing following it) evaluates to the bound value itself rather
// than null.
func (in *Interpreter) evalLet(e *Let) (Value, error) {
	val, err := in.Evaluate(e.Value)
	if err != nil {
		return Null(), err
	}
	in.vars[e.Name] = val
	if isNullLiteral(e.Body) {
		return val, nil
	}
	return in.Evaluate(e.Body)
}

func (in *Interpreter) evalIf(e *If) (Value, error) {
	cond, err := in.Evaluate(e.Cond)
	if err != nil {
		return Null(), err
	}
	if cond.Kind != KindBool {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: if condition must be a boolean")
	}
	if cond.Bool {
		return in.Evaluate(e.Then)
	}
	if e.Else == nil {
		return Null(), nil
	}
	return in.Evaluate(e.Else)
}

func (in *Interpreter) resolve(name string) (Value, error) {
	if v, ok := in.vars[name]; ok {
		return v, nil
	}
	return Null(), fault.New(fault.EvaluationFailed, "dsl: variable not found: %s", name)
}

func (in *Interpreter) resolveSchemaField(schemaName, field string) (Value, error) {
	key := schemaName + "." + field
	if v, ok := in.vars[key]; ok {
		return v, nil
	}
	if obj, ok := in.vars[schemaName]; ok && obj.Kind == KindObject {
		if v, ok := obj.Obj[field]; ok {
			return v, nil
		}
	}
	if v, ok := in.vars[field]; ok {
		return v, nil
	}
	return Null(), fault.New(fault.EvaluationFailed, "dsl: field not found: %s.%s", schemaName, field)
}

func (in *Interpreter) evalUnary(e *UnaryOp) (Value, error) {
	v, err := in.Evaluate(e.Expr)
	if err != nil {
		return Null(), err
	}
	switch e.Op {
	case "-":
		n, ok := asNumber(v)
		if !ok {
			return Null(), fault.New(fault.EvaluationFailed, "dsl: unary '-' requires a number")
		}
		return Number(-n), nil
	case "!":
		return Bool(!asBool(v)), nil
	default:
		return Null(), fault.New(fault.EvaluationFailed, "dsl: unknown unary operator %q", e.Op)
	}
}

func (in *Interpreter) evalBinary(e *BinaryOp) (Value, error) {
	left, err := in.Evaluate(e.Left)
	if err != nil {
		return Null(), err
	}
	right, err := in.Evaluate(e.Right)
	if err != nil {
		return Null(), err
	}

	switch e.Op {
	case "&&":
		return Bool(asBool(left) && asBool(right)), nil
	case "||":
		return Bool(asBool(left) || asBool(right)), nil
	case "+":
		return addValues(left, right)
	case "-", "*", "/", "^":
		return arithValues(e.Op, left, right)
	case "==":
		return Bool(valuesEqual(left, right)), nil
	case "!=":
		return Bool(!valuesEqual(left, right)), nil
	case "<", "<=", ">", ">=":
		return compareValues(e.Op, left, right)
	default:
		return Null(), fault.New(fault.EvaluationFailed, "dsl: unknown binary operator %q", e.Op)
	}
}

// addValues implements spec §4.5's `+` coercion: string-concatenate when
// both sides are strings that don't parse as numbers, otherwise parse
// numeric strings and add numerically.
func addValues(left, right Value) (Value, error) {
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		return Number(ln + rn), nil
	}
	if left.Kind == KindString || right.Kind == KindString {
		return String(left.String() + right.String()), nil
	}
	return Null(), fault.New(fault.EvaluationFailed, "dsl: '+' requires numbers or strings")
}

func arithValues(op string, left, right Value) (Value, error) {
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if !lok || !rok {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: operator %q requires numbers", op)
	}
	switch op {
	case "-":
		return Number(ln - rn), nil
	case "*":
		return Number(ln * rn), nil
	case "/":
		if rn == 0 {
			return Null(), fault.New(fault.EvaluationFailed, "dsl: division by zero")
		}
		return Number(ln / rn), nil
	case "^":
		return Number(math.Pow(ln, rn)), nil
	default:
		return Null(), fault.New(fault.EvaluationFailed, "dsl: unknown arithmetic operator %q", op)
	}
}

func compareValues(op string, left, right Value) (Value, error) {
	if left.Kind == KindString && right.Kind == KindString {
		return Bool(compareOp(op, stringCompare(left.Str, right.Str))), nil
	}
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if !lok || !rok {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: comparison requires numbers or strings")
	}
	var cmp int
	switch {
	case ln < rn:
		cmp = -1
	case ln > rn:
		cmp = 1
	}
	return Bool(compareOp(op, cmp)), nil
}

func compareOp(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func stringCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func valuesEqual(left, right Value) bool {
	if left.Kind != right.Kind {
		ln, lok := asNumber(left)
		rn, rok := asNumber(right)
		if lok && rok {
			return ln == rn
		}
		return false
	}
	switch left.Kind {
	case KindNumber:
		return left.Num == right.Num
	case KindString:
		return left.Str == right.Str
	case KindBool:
		return left.Bool == right.Bool
	case KindNull:
		return true
	default:
		return false
	}
}

func asBool(v Value) bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0
	case KindString:
		return v.Str != ""
	case KindNull:
		return false
	default:
		return true
	}
}

func asNumber(v Value) (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		n, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
