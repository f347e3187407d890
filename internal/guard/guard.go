package guard

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// Guard is a named boolean precondition attached to a transition. The rule is
// an expr expression over the context environment and is compiled once, when
// the transition table is built.
type Guard struct {
	Name    string
	Rule    string
	program *vm.Program
}

// Result is the outcome of evaluating a single guard. The full ordered list
// of results is journaled with the transition attempt.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// MustCompile builds a guard from a named rule, panicking on a malformed
// expression. Guards are declared in the static transition table, so a
// compile failure is a programming error caught at process start.
func MustCompile(name, rule string) Guard {
	g, err := Compile(name, rule)
	if err != nil {
		panic(err)
	}
	return g
}

// Compile builds a guard from a named rule. Undefined variables are allowed
// at compile time so that an absent fact becomes a runtime guard failure
// rather than a table-construction error.
func Compile(name, rule string) (Guard, error) {
	program, err := expr.Compile(rule, expr.AllowUndefinedVariables())
	if err != nil {
		return Guard{}, fmt.Errorf("guard %s: compiling rule %q: %w", name, rule, err)
	}
	return Guard{Name: name, Rule: rule, program: program}, nil
}

// Evaluate runs the guard against a context snapshot. It never returns an
// error: any evaluation fault, including an absent fact, is a failed guard
// with a reason. Fail-closed by construction.
func (g Guard) Evaluate(ctx *Context) Result {
	out, err := expr.Run(g.program, ctx.Env())
	if err != nil {
		return Result{Name: g.Name, Passed: false, Reason: fmt.Sprintf("evaluation error: %v", err)}
	}
	passed, ok := out.(bool)
	if !ok {
		// nil here means the rule referenced a fact nobody supplied.
		return Result{Name: g.Name, Passed: false, Reason: "required fact missing from context"}
	}
	if !passed {
		return Result{Name: g.Name, Passed: false, Reason: "condition not satisfied"}
	}
	return Result{Name: g.Name, Passed: true}
}

// EvaluateAll evaluates every guard in declaration order with short-circuit
// disabled, so the journal captures the complete failure set rather than the
// first unmet condition.
func EvaluateAll(guards []Guard, ctx *Context) (allPassed bool, results []Result) {
	allPassed = true
	results = make([]Result, 0, len(guards))
	for _, g := range guards {
		r := g.Evaluate(ctx)
		if !r.Passed {
			allPassed = false
		}
		results = append(results, r)
	}
	return allPassed, results
}

// FailedNames extracts the names of the failed guards from a result list.
func FailedNames(results []Result) []string {
	var names []string
	for _, r := range results {
		if !r.Passed {
			names = append(names, r.Name)
		}
	}
	return names
}
