package paramstore

import (
	"errors"
	"fmt"
)

// ErrInfeasible is returned (never panics) when a parameter vector or a
// constraint evaluation puts the store in a state spec.md calls
// "infeasible": outside declared bounds, or a non-finite constrained value.
var ErrInfeasible = errors.New("paramstore: infeasible parameter value")

// ErrUndefinedReference is a fatal, build-time-only error: a constraint
// expression referenced a parameter name that was never declared.
var ErrUndefinedReference = errors.New("paramstore: undefined parameter reference")

// ErrNameCollision is a fatal, build-time-only error: two parameters share a
// name.
var ErrNameCollision = errors.New("paramstore: duplicate parameter name")

// ErrConstraintCycle is a fatal, build-time-only error: constrained
// parameters form a circular dependency.
var ErrConstraintCycle = errors.New("paramstore: constraint dependency cycle")

// Store is a process-local collection of parameters with handles stable for
// the lifetime of one optimization run.
type Store struct {
	params  []parameter
	byName  map[string]Handle
	free    []Handle // declaration order among StatusFree params
	constr  []Handle // topologically sorted StatusConstrained params
	infeasible bool
}

// NewStore builds a store from three categorized lists. Construction fails
// fatally (per spec.md §7) on name collisions, undefined constraint
// references, or a constraint dependency cycle.
func NewStore(fixed, free, constrained []Spec) (*Store, error) {
	all := append(append(append([]Spec{}, fixed...), free...), constrained...)

	names := make(map[string]struct{}, len(all))
	for _, s := range all {
		if _, dup := names[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrNameCollision, s.Name)
		}
		names[s.Name] = struct{}{}
	}

	st := &Store{
		byName: make(map[string]Handle, len(all)),
	}

	appendParam := func(s Spec, status Status) Handle {
		h := Handle(len(st.params))
		st.params = append(st.params, parameter{
			name:     s.Name,
			category: s.Category,
			status:   status,
			lower:    s.Lower,
			upper:    s.Upper,
			value:    s.Value,
		})
		st.byName[s.Name] = h
		return h
	}

	for _, s := range fixed {
		appendParam(s, StatusFixed)
	}
	for _, s := range free {
		h := appendParam(s, StatusFree)
		st.free = append(st.free, h)
	}

	constrHandles := make([]Handle, 0, len(constrained))
	depNames := make(map[Handle][]string, len(constrained))
	for _, s := range constrained {
		h := appendParam(s, StatusConstrained)
		program, deps, err := compileConstraint(s.Expr, names)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if _, known := names[d]; !known {
				return nil, fmt.Errorf("%w: %q in expression %q", ErrUndefinedReference, d, s.Expr)
			}
		}
		st.params[h].expr = s.Expr
		st.params[h].prog = compiledExpr{program: program}
		depNames[h] = deps
		constrHandles = append(constrHandles, h)
	}

	order, err := topoSort(constrHandles, depNames, st.byName)
	if err != nil {
		return nil, err
	}
	st.constr = order
	// resolve each constrained parameter's dependency names to handles now
	// that the full name table exists.
	for _, h := range st.constr {
		deps := depNames[h]
		handles := make([]Handle, len(deps))
		for i, d := range deps {
			handles[i] = st.byName[d]
		}
		st.params[h].deps = handles
	}

	if err := st.recomputeConstrained(); err != nil && !errors.Is(err, ErrInfeasible) {
		return nil, err
	}

	return st, nil
}

// topoSort orders constrained handles so that every dependency is evaluated
// before its dependent, detecting cycles (spec.md §9: "detect cycles at
// build time").
func topoSort(handles []Handle, deps map[Handle][]string, byName map[string]Handle) ([]Handle, error) {
	isConstrained := make(map[Handle]bool, len(handles))
	for _, h := range handles {
		isConstrained[h] = true
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[Handle]int, len(handles))
	var order []Handle

	var visit func(h Handle) error
	visit = func(h Handle) error {
		switch color[h] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w", ErrConstraintCycle)
		}
		color[h] = gray
		for _, depName := range deps[h] {
			dh, ok := byName[depName]
			if !ok {
				continue // surfaced separately as ErrUndefinedReference
			}
			if isConstrained[dh] {
				if err := visit(dh); err != nil {
					return err
				}
			}
		}
		color[h] = black
		order = append(order, h)
		return nil
	}

	for _, h := range handles {
		if err := visit(h); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// recomputeConstrained re-evaluates every constrained parameter in
// topological order against the current values of its dependencies.
func (st *Store) recomputeConstrained() error {
	st.infeasible = false
	env := make(map[string]interface{}, len(st.params))
	for _, h := range st.constr {
		env[st.params[h].name] = st.params[h].value
	}
	for _, h := range st.byNonConstrainedHandles() {
		env[st.params[h].name] = st.params[h].value
	}

	var firstErr error
	for _, h := range st.constr {
		p := &st.params[h]
		// refresh the evaluation env with the latest values of anything
		// this parameter depends on.
		for _, d := range p.deps {
			env[st.params[d].name] = st.params[d].value
		}
		val, ok, err := evalConstraint(p.prog, env)
		if err != nil {
			return err
		}
		if !ok {
			st.infeasible = true
			p.value = val
			env[p.name] = val
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: constrained parameter %q is non-finite", ErrInfeasible, p.name)
			}
			continue
		}
		p.value = val
		env[p.name] = val
		if !p.inBounds(val) {
			st.infeasible = true
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: constrained parameter %q = %v out of bounds [%v,%v]",
					ErrInfeasible, p.name, val, p.lower, p.upper)
			}
		}
	}
	return firstErr
}

func (st *Store) byNonConstrainedHandles() []Handle {
	out := make([]Handle, 0, len(st.params))
	isConstr := make(map[Handle]bool, len(st.constr))
	for _, h := range st.constr {
		isConstr[h] = true
	}
	for i := range st.params {
		h := Handle(i)
		if !isConstr[h] {
			out = append(out, h)
		}
	}
	return out
}

// Lookup returns the handle for a declared parameter name.
func (st *Store) Lookup(name string) (Handle, error) {
	h, ok := st.byName[name]
	if !ok {
		return 0, fmt.Errorf("paramstore: unknown parameter %q", name)
	}
	return h, nil
}

// GetValue returns the current numeric value of a parameter.
func (st *Store) GetValue(h Handle) (float64, error) {
	if err := st.checkHandle(h); err != nil {
		return 0, err
	}
	return st.params[h].value, nil
}

// Category returns a parameter's category.
func (st *Store) Category(h Handle) (Category, error) {
	if err := st.checkHandle(h); err != nil {
		return 0, err
	}
	return st.params[h].category, nil
}

// Status returns a parameter's status.
func (st *Store) Status(h Handle) (Status, error) {
	if err := st.checkHandle(h); err != nil {
		return 0, err
	}
	return st.params[h].status, nil
}

// Name returns a parameter's declared name.
func (st *Store) Name(h Handle) (string, error) {
	if err := st.checkHandle(h); err != nil {
		return "", err
	}
	return st.params[h].name, nil
}

func (st *Store) checkHandle(h Handle) error {
	if h < 0 || int(h) >= len(st.params) {
		return fmt.Errorf("paramstore: invalid handle %d", h)
	}
	return nil
}

// SetFree overwrites every free parameter's value, in declaration order,
// then recomputes every constrained parameter. Returns ErrInfeasible
// (non-fatal) if any free value violates its bounds or any constrained
// parameter becomes non-finite or out of bounds as a result.
func (st *Store) SetFree(values []float64) error {
	if len(values) != len(st.free) {
		return fmt.Errorf("paramstore: SetFree expected %d values, got %d", len(st.free), len(values))
	}
	var firstErr error
	freeInfeasible := false
	for i, h := range st.free {
		p := &st.params[h]
		p.value = values[i]
		if !p.inBounds(values[i]) {
			freeInfeasible = true
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: free parameter %q = %v out of bounds [%v,%v]",
					ErrInfeasible, p.name, values[i], p.lower, p.upper)
			}
		}
	}
	// recomputeConstrained resets st.infeasible to reflect only the
	// constrained parameters it re-evaluates; OR in the free-parameter
	// check so neither kind of infeasibility can shadow the other.
	err := st.recomputeConstrained()
	st.infeasible = st.infeasible || freeInfeasible
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// GetFree returns the current values of all free parameters, in declaration
// order.
func (st *Store) GetFree() []float64 {
	out := make([]float64, len(st.free))
	for i, h := range st.free {
		out[i] = st.params[h].value
	}
	return out
}

// GetFreeBounds returns parallel (lower, upper) vectors over free
// parameters, in declaration order.
func (st *Store) GetFreeBounds() (lower, upper []float64) {
	lower = make([]float64, len(st.free))
	upper = make([]float64, len(st.free))
	for i, h := range st.free {
		lower[i] = st.params[h].lower
		upper[i] = st.params[h].upper
	}
	return lower, upper
}

// FreeNames returns the declared names of the free parameters, in the same
// order as GetFree/GetFreeBounds — used by callers that want a stable,
// human-readable ordering (e.g. CLI output) without re-deriving it.
func (st *Store) FreeNames() []string {
	names := make([]string, len(st.free))
	for i, h := range st.free {
		names[i] = st.params[h].name
	}
	return names
}

// Feasible reports whether the store's current value assignment satisfies
// every declared bound (including the constrained parameters computed by
// the last SetFree / NewStore call).
func (st *Store) Feasible() bool {
	if st.infeasible {
		return false
	}
	for i := range st.params {
		if !st.params[i].inBounds(st.params[i].value) {
			return false
		}
	}
	return true
}

// Duplicate deep-copies the store so segments that were duplicated in
// lock-step can be re-targeted to the copy by the same integer handles.
func (st *Store) Duplicate() *Store {
	out := &Store{
		params:     make([]parameter, len(st.params)),
		byName:     make(map[string]Handle, len(st.byName)),
		free:       append([]Handle{}, st.free...),
		constr:     append([]Handle{}, st.constr...),
		infeasible: st.infeasible,
	}
	copy(out.params, st.params)
	for k, v := range st.byName {
		out.byName[k] = v
	}
	return out
}
