package dsl

// Expr is any node of a parsed transform expression.
type Expr interface{ isExpr() }

// Literal is a number/string/bool/null constant.
type Literal struct{ Value Value }

// Variable is a bare identifier reference.
type Variable struct{ Name string }

// SchemaField is a `schema.field` dotted reference (spec §4.5 atom rule
// `identifier ('.' identifier)?`).
type SchemaField struct{ Schema, Field string }

// BinaryOp applies a logic/comparison/arithmetic operator.
type BinaryOp struct {
	Left  Expr
	Op    string
	Right Expr
}

// UnaryOp applies `-` or `!` to its operand.
type UnaryOp struct {
	Op   string
	Expr Expr
}

// FunctionCall invokes a built-in by name with evaluated arguments.
type FunctionCall struct {
	Name string
	Args []Expr
}

// Let binds Name to Value's evaluated result, then evaluates Body against
// an environment that carries the new binding. Body is a Literal{Null}
// sentinel when the `let` is the last statement of a sequence: Evaluate
// returns the bound value itself in that case instead of null, which is
// how `let` bindings persist across the rest of an evaluation (spec
// §4.5's `let` sequential semantics) without requiring an explicit trailing
// expression.
type Let struct {
	Name  string
	Value Expr
	Body  Expr
}

// If evaluates Cond and runs Then or Else depending on the result. Else is
// nil when the source had no `else` clause, in which case the false
// branch evaluates to null.
type If struct {
	Cond, Then, Else Expr
}

// Return marks a transform body's tail expression explicitly. It carries
// no control-flow effect of its own: evaluating it evaluates Expr.
type Return struct{ Expr Expr }

// Seq evaluates First, discards its value, then evaluates Rest — two
// statements joined by `;` with no `let` between them.
type Seq struct{ First, Rest Expr }

func (*Literal) isExpr()      {}
func (*Variable) isExpr()     {}
func (*SchemaField) isExpr()  {}
func (*BinaryOp) isExpr()     {}
func (*UnaryOp) isExpr()      {}
func (*FunctionCall) isExpr() {}
func (*Let) isExpr()          {}
func (*If) isExpr()           {}
func (*Return) isExpr()       {}
func (*Seq) isExpr()          {}
