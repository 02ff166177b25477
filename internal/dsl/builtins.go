package dsl

import (
	"math"
	"strings"

	"github.com/platinummonkey/datafold/internal/fault"
)

// BuiltinFunc is a DSL built-in: evaluated arguments in, one Value out.
type BuiltinFunc func(args []Value) (Value, error)

// builtins is the minimum set spec §4.5 requires.
var builtins = map[string]BuiltinFunc{
	"min":        builtinMin,
	"max":        builtinMax,
	"abs":        builtinAbs,
	"round":      builtinRound,
	"floor":      builtinFloor,
	"ceil":       builtinCeil,
	"pow":        builtinPow,
	"sqrt":       builtinSqrt,
	"len":        builtinLen,
	"concat":     builtinConcat,
	"contains":   builtinContains,
	"to_number":  builtinToNumber,
	"to_string":  builtinToString,
}

func (in *Interpreter) evalCall(e *FunctionCall) (Value, error) {
	fn, ok := builtins[e.Name]
	if !ok {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: function not found: %s", e.Name)
	}
	args := make([]Value, len(e.Args))
	for i, argExpr := range e.Args {
		v, err := in.Evaluate(argExpr)
		if err != nil {
			return Null(), err
		}
		args[i] = v
	}
	return fn(args)
}

func requireArgs(name string, args []Value, n int) error {
	if len(args) != n {
		return fault.New(fault.EvaluationFailed, "dsl: %s expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func requireNumber(name string, v Value) (float64, error) {
	n, ok := asNumber(v)
	if !ok {
		return 0, fault.New(fault.EvaluationFailed, "dsl: %s expects a number", name)
	}
	return n, nil
}

func builtinMin(args []Value) (Value, error) {
	if len(args) == 0 {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: min expects at least one argument")
	}
	best, err := requireNumber("min", args[0])
	if err != nil {
		return Null(), err
	}
	for _, a := range args[1:] {
		n, err := requireNumber("min", a)
		if err != nil {
			return Null(), err
		}
		if n < best {
			best = n
		}
	}
	return Number(best), nil
}

func builtinMax(args []Value) (Value, error) {
	if len(args) == 0 {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: max expects at least one argument")
	}
	best, err := requireNumber("max", args[0])
	if err != nil {
		return Null(), err
	}
	for _, a := range args[1:] {
		n, err := requireNumber("max", a)
		if err != nil {
			return Null(), err
		}
		if n > best {
			best = n
		}
	}
	return Number(best), nil
}

func builtinAbs(args []Value) (Value, error) {
	if err := requireArgs("abs", args, 1); err != nil {
		return Null(), err
	}
	n, err := requireNumber("abs", args[0])
	if err != nil {
		return Null(), err
	}
	return Number(math.Abs(n)), nil
}

func builtinRound(args []Value) (Value, error) {
	if err := requireArgs("round", args, 1); err != nil {
		return Null(), err
	}
	n, err := requireNumber("round", args[0])
	if err != nil {
		return Null(), err
	}
	return Number(math.Round(n)), nil
}

func builtinFloor(args []Value) (Value, error) {
	if err := requireArgs("floor", args, 1); err != nil {
		return Null(), err
	}
	n, err := requireNumber("floor", args[0])
	if err != nil {
		return Null(), err
	}
	return Number(math.Floor(n)), nil
}

func builtinCeil(args []Value) (Value, error) {
	if err := requireArgs("ceil", args, 1); err != nil {
		return Null(), err
	}
	n, err := requireNumber("ceil", args[0])
	if err != nil {
		return Null(), err
	}
	return Number(math.Ceil(n)), nil
}

func builtinPow(args []Value) (Value, error) {
	if err := requireArgs("pow", args, 2); err != nil {
		return Null(), err
	}
	base, err := requireNumber("pow", args[0])
	if err != nil {
		return Null(), err
	}
	exp, err := requireNumber("pow", args[1])
	if err != nil {
		return Null(), err
	}
	return Number(math.Pow(base, exp)), nil
}

func builtinSqrt(args []Value) (Value, error) {
	if err := requireArgs("sqrt", args, 1); err != nil {
		return Null(), err
	}
	n, err := requireNumber("sqrt", args[0])
	if err != nil {
		return Null(), err
	}
	if n < 0 {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: sqrt of negative number")
	}
	return Number(math.Sqrt(n)), nil
}

func builtinLen(args []Value) (Value, error) {
	if err := requireArgs("len", args, 1); err != nil {
		return Null(), err
	}
	switch args[0].Kind {
	case KindString:
		return Number(float64(len(args[0].Str))), nil
	case KindArray:
		return Number(float64(len(args[0].Arr))), nil
	case KindObject:
		return Number(float64(len(args[0].Obj))), nil
	default:
		return Null(), fault.New(fault.EvaluationFailed, "dsl: len requires a string, array, or object")
	}
}

func builtinConcat(args []Value) (Value, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(a.String())
	}
	return String(sb.String()), nil
}

func builtinContains(args []Value) (Value, error) {
	if err := requireArgs("contains", args, 2); err != nil {
		return Null(), err
	}
	switch args[0].Kind {
	case KindString:
		return Bool(strings.Contains(args[0].Str, args[1].String())), nil
	case KindArray:
		for _, item := range args[0].Arr {
			if valuesEqual(item, args[1]) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	default:
		return Null(), fault.New(fault.EvaluationFailed, "dsl: contains requires a string or array")
	}
}

func builtinToNumber(args []Value) (Value, error) {
	if err := requireArgs("to_number", args, 1); err != nil {
		return Null(), err
	}
	n, ok := asNumber(args[0])
	if !ok {
		return Null(), fault.New(fault.EvaluationFailed, "dsl: to_number: cannot convert %s", args[0])
	}
	return Number(n), nil
}

func builtinToString(args []Value) (Value, error) {
	if err := requireArgs("to_string", args, 1); err != nil {
		return Null(), err
	}
	return String(args[0].String()), nil
}
