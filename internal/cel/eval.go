// Package cel compiles CEL selector expressions used to filter messages on
// queues and consumers.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/arc-session/pkg/transport"
)

// Filter is a compiled selector over message attributes.
//
// Expressions see four variables: address (string), id (int), durable (bool)
// and props (map of message properties), e.g. `props.color == "red"`.
type Filter struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr.
func Compile(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("address", cel.StringType),
		cel.Variable("id", cel.IntType),
		cel.Variable("durable", cel.BoolType),
		cel.Variable("props", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("cel compile: selector %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return &Filter{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against msg. Missing properties, type
// mismatches and evaluation errors are a non-match.
func (f *Filter) Match(msg *transport.Message) bool {
	if f == nil {
		return true
	}
	props := msg.Properties
	if props == nil {
		props = map[string]any{}
	}
	out, _, err := f.program.Eval(map[string]any{
		"address": msg.Address,
		"id":      int64(msg.ID),
		"durable": msg.Durable,
		"props":   props,
	})
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
