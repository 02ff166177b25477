package dsl

import "sort"

// Dependencies walks expr and returns the set of `schema.field` identifiers
// it references, used by the registry (C8) to populate the field-trigger
// and input maps (spec §4.5).
func Dependencies(expr Expr) []string {
	seen := make(map[string]bool)
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *SchemaField:
			seen[n.Schema+"."+n.Field] = true
		case *BinaryOp:
			walk(n.Left)
			walk(n.Right)
		case *UnaryOp:
			walk(n.Expr)
		case *FunctionCall:
			for _, a := range n.Args {
				walk(a)
			}
		case *Let:
			walk(n.Value)
			walk(n.Body)
		case *If:
			walk(n.Cond)
			walk(n.Then)
			if n.Else != nil {
				walk(n.Else)
			}
		case *Return:
			walk(n.Expr)
		case *Seq:
			walk(n.First)
			walk(n.Rest)
		}
	}
	walk(expr)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
