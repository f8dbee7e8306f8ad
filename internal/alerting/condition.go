package alerting

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// thresholdName is the identifier bound to the rule's threshold.
const thresholdName = "threshold"

// listingInputs are health inputs that must not be trusted while probes are
// indeterminate.
var listingInputs = map[string]bool{
	"listed":         true,
	"listedCritical": true,
	"listedHigh":     true,
}

// Outcome is the three-valued result of evaluating a condition.
type Outcome int

const (
	OutcomeFalse Outcome = iota
	OutcomeTrue
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTrue:
		return "true"
	case OutcomeFalse:
		return "false"
	default:
		return "unknown"
	}
}

// Condition is a compiled boolean expression over named numeric inputs.
// The environment holds only numbers and builtins are disabled, so the result
// depends on the inputs alone.
type Condition struct {
	expression    string
	program       *vm.Program
	inputs        []string
	usesThreshold bool
	usesListing   bool
}

// CompileCondition parses and compiles an expression.
func CompileCondition(expression string) (*Condition, error) {
	if expression == "" {
		return nil, fmt.Errorf("condition is empty")
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	v := &identVisitor{idents: make(map[string]bool)}
	ast.Walk(&tree.Node, v)
	if len(v.calls) > 0 {
		return nil, fmt.Errorf("condition calls function %q; only comparisons and arithmetic are allowed", v.calls[0])
	}

	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}

	c := &Condition{expression: expression, program: program}
	for name := range v.idents {
		switch {
		case name == thresholdName:
			c.usesThreshold = true
		default:
			c.inputs = append(c.inputs, name)
			if listingInputs[name] {
				c.usesListing = true
			}
		}
	}
	sort.Strings(c.inputs)
	return c, nil
}

// Evaluate runs the condition against one scope's inputs. A referenced input
// that is missing yields OutcomeUnknown, as does a listing input while the
// scope's latest probes were indeterminate.
func (c *Condition) Evaluate(in *ScopeInputs, threshold *float64) (Outcome, error) {
	env := make(map[string]any, len(c.inputs)+1)
	for _, name := range c.inputs {
		v, ok := in.Values[name]
		if !ok {
			return OutcomeUnknown, nil
		}
		env[name] = v
	}
	if c.usesListing && in.HealthIndeterminate {
		return OutcomeUnknown, nil
	}
	if threshold != nil {
		env[thresholdName] = *threshold
	}

	result, err := expr.Run(c.program, env)
	if err != nil {
		return OutcomeUnknown, fmt.Errorf("evaluate condition: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return OutcomeUnknown, fmt.Errorf("condition did not return bool: got %T", result)
	}
	if matched {
		return OutcomeTrue, nil
	}
	return OutcomeFalse, nil
}

// Inputs returns the input names the expression references, sorted.
func (c *Condition) Inputs() []string {
	return c.inputs
}

// UsesThreshold reports whether the expression references threshold.
func (c *Condition) UsesThreshold() bool {
	return c.usesThreshold
}

// Expression returns the original expression string.
func (c *Condition) Expression() string {
	return c.expression
}

// identVisitor collects identifiers and every call, builtin or not. Walk
// visits children first, so a callee identifier is recorded before its call
// node removes it.
type identVisitor struct {
	idents map[string]bool
	calls  []string
}

func (v *identVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.BuiltinNode:
		v.calls = append(v.calls, n.Name)
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			v.calls = append(v.calls, id.Value)
			delete(v.idents, id.Value)
		}
	case *ast.IdentifierNode:
		v.idents[n.Value] = true
	}
}
