package paramstore

import (
	"fmt"
	"math"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// compiledExpr is the compiled form of a constraint expression, ready to be
// re-evaluated against an arbitrary snapshot of parameter values.
type compiledExpr struct {
	program *vm.Program
}

// builtinFuncs exposes the "standard library functions" spec.md §4.1 allows
// inside a constraint expression.
func builtinFuncs() map[string]interface{} {
	return map[string]interface{}{
		"sqrt": math.Sqrt,
		"exp":  math.Exp,
		"log":  math.Log,
		"pow":  math.Pow,
		"abs":  math.Abs,
		"min":  math.Min,
		"max":  math.Max,
	}
}

// identifierPattern matches bare identifier tokens in a constraint
// expression. It is used only to build the parameter dependency graph for
// topological evaluation order; actual numeric evaluation is delegated to
// expr-lang.
var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// compileConstraint compiles src and returns the set of declared parameter
// names it references (excluding builtin function names), in first-seen
// order. names is the full universe of declared parameter names; an
// identifier that is neither a declared name nor a builtin function makes
// expr-lang's compiler fail, and that failure is reported as
// ErrUndefinedReference.
func compileConstraint(src string, names map[string]struct{}) (*vm.Program, []string, error) {
	env := make(map[string]interface{}, len(names)+len(builtinFuncs()))
	for n := range names {
		env[n] = 0.0
	}
	for name, fn := range builtinFuncs() {
		env[name] = fn
	}

	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		for _, tok := range identifierPattern.FindAllString(src, -1) {
			if _, known := env[tok]; !known {
				return nil, nil, fmt.Errorf("%w: %q in expression %q: %v", ErrUndefinedReference, tok, src, err)
			}
		}
		return nil, nil, fmt.Errorf("paramstore: invalid constraint expression %q: %w", src, err)
	}

	seen := make(map[string]bool)
	var deps []string
	builtins := builtinFuncs()
	for _, tok := range identifierPattern.FindAllString(src, -1) {
		if _, isBuiltin := builtins[tok]; isBuiltin {
			continue
		}
		if _, isParam := names[tok]; !isParam {
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		deps = append(deps, tok)
	}
	return program, deps, nil
}

// evalConstraint runs a compiled constraint expression against a snapshot of
// current parameter values. A non-finite result (e.g. a division by zero)
// is reported via ok == false rather than an error, per spec.md §4.1's
// "fails when a constraint division would divide by zero (non-fatal:
// returns infeasible)".
func evalConstraint(c compiledExpr, values map[string]interface{}) (result float64, ok bool, err error) {
	for name, fn := range builtinFuncs() {
		if _, exists := values[name]; !exists {
			values[name] = fn
		}
	}
	out, err := expr.Run(c.program, values)
	if err != nil {
		return 0, false, fmt.Errorf("paramstore: constraint evaluation failed: %w", err)
	}
	v, ok := toFloat(out)
	if !ok {
		return 0, false, fmt.Errorf("paramstore: constraint expression did not yield a number, got %T", out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, false, nil
	}
	return v, true, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
