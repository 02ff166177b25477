package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, src string, bindings map[string]Value) Value {
	t.Helper()
	expr, err := Parse(src)
	require.NoError(t, err)
	v, err := NewInterpreter(bindings).Evaluate(expr)
	require.NoError(t, err)
	return v
}

func TestParse_PrecedenceChain(t *testing.T) {
	v := eval(t, "2 + 3 * 4", nil)
	assert.Equal(t, Number(14), v)

	v = eval(t, "(2 + 3) * 4", nil)
	assert.Equal(t, Number(20), v)

	v = eval(t, "2 ^ 3 ^ 0", nil) // left-assoc per grammar: (2^3)^0 = 8^0 = 1
	assert.Equal(t, Number(1), v)

	v = eval(t, "1 < 2 && 3 > 2", nil)
	assert.Equal(t, Bool(true), v)
}

func TestParse_UnaryOperators(t *testing.T) {
	assert.Equal(t, Number(-5), eval(t, "-5", nil))
	assert.Equal(t, Bool(false), eval(t, "!true", nil))
	assert.Equal(t, Number(5), eval(t, "- -5", nil))
}

func TestParse_SchemaFieldAccess(t *testing.T) {
	bindings := map[string]Value{"Temperature.celsius": Number(20)}
	v := eval(t, "Temperature.celsius * 9 / 5 + 32", bindings)
	assert.Equal(t, Number(68), v)
}

func TestParse_VariableFallsBackToBareFieldName(t *testing.T) {
	bindings := map[string]Value{"celsius": Number(100)}
	v := eval(t, "Temperature.celsius", bindings)
	assert.Equal(t, Number(100), v)
}

func TestParse_FunctionCalls(t *testing.T) {
	assert.Equal(t, Number(3), eval(t, "min(3, 7, 5)", nil))
	assert.Equal(t, Number(7), eval(t, "max(3, 7, 5)", nil))
	assert.Equal(t, Number(4), eval(t, "sqrt(16)", nil))
	assert.Equal(t, String("ab"), eval(t, `concat("a", "b")`, nil))
	assert.Equal(t, Bool(true), eval(t, `contains("hello world", "world")`, nil))
}

func TestParse_AddCoercion(t *testing.T) {
	assert.Equal(t, Number(7), eval(t, `"3" + "4"`, nil))
	assert.Equal(t, String("ab"), eval(t, `"a" + "b"`, nil))
}

func TestParse_DivisionByZeroIsRuntimeError(t *testing.T) {
	expr, err := Parse("1 / 0")
	require.NoError(t, err)
	_, err = NewInterpreter(nil).Evaluate(expr)
	require.Error(t, err)
}

func TestParse_EmptyRightOperandIsSyntaxError(t *testing.T) {
	_, err := Parse("1 +")
	require.Error(t, err)
}

func TestParse_TrailingTokenIsSyntaxError(t *testing.T) {
	_, err := Parse("1 + 2 3")
	require.Error(t, err)
}

func TestCheckSyntax(t *testing.T) {
	assert.NoError(t, CheckSyntax("a.b + 1"))
	assert.Error(t, CheckSyntax("a.b +"))
}

func TestDependencies_CollectsSchemaFieldReferences(t *testing.T) {
	expr, err := Parse("Temperature.celsius * 9 / 5 + Offset.value")
	require.NoError(t, err)
	deps := Dependencies(expr)
	assert.Equal(t, []string{"Offset.value", "Temperature.celsius"}, deps)
}

func TestDependencies_IgnoresBareVariables(t *testing.T) {
	expr, err := Parse("x + 1")
	require.NoError(t, err)
	assert.Empty(t, Dependencies(expr))
}

func TestParse_LetBindingReturnsBoundValueWhenItIsTheLastStatement(t *testing.T) {
	v := eval(t, "let x = 2 + 3", nil)
	assert.Equal(t, Number(5), v)
}

func TestParse_LetBindingIsVisibleToFollowingStatements(t *testing.T) {
	v := eval(t, "let x = 2; let y = x * 3; x + y", nil)
	assert.Equal(t, Number(8), v)
}

func TestParse_LetBindingPersistsAcrossSchemaFieldFallback(t *testing.T) {
	bindings := map[string]Value{"Temperature.celsius": Number(20)}
	v := eval(t, "let c = Temperature.celsius; let f = c * 9 / 5 + 32; f", bindings)
	assert.Equal(t, Number(68), v)
}

func TestParse_IfElseBranches(t *testing.T) {
	assert.Equal(t, Number(1), eval(t, "if true { 1 } else { 2 }", nil))
	assert.Equal(t, Number(2), eval(t, "if false { 1 } else { 2 }", nil))
}

func TestParse_IfWithoutElseEvaluatesNullOnFalse(t *testing.T) {
	assert.Equal(t, Null(), eval(t, "if 1 > 2 { 1 }", nil))
}

func TestParse_IfConditionMustBeBoolean(t *testing.T) {
	expr, err := Parse("if 1 { 2 } else { 3 }")
	require.NoError(t, err)
	_, err = NewInterpreter(nil).Evaluate(expr)
	require.Error(t, err)
}

func TestParse_ReturnEvaluatesItsExpression(t *testing.T) {
	v := eval(t, "let x = 5; return x * 2", nil)
	assert.Equal(t, Number(10), v)
}

func TestParse_LetBindingNestedInsideIf(t *testing.T) {
	v := eval(t, "if true { let x = 10; x + 1 } else { 0 }", nil)
	assert.Equal(t, Number(11), v)
}

func TestParse_SequenceWithoutLetDiscardsIntermediateValues(t *testing.T) {
	v := eval(t, "1 + 1; 2 + 2; 3 + 3", nil)
	assert.Equal(t, Number(6), v)
}

func TestDependencies_WalksLetIfAndReturn(t *testing.T) {
	expr, err := Parse("let c = Temperature.celsius; if c > 0 { Offset.value } else { return Fallback.value }")
	require.NoError(t, err)
	deps := Dependencies(expr)
	assert.Equal(t, []string{"Fallback.value", "Offset.value", "Temperature.celsius"}, deps)
}
