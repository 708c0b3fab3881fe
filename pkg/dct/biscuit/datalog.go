// Copyright 2025 Certen Protocol
//
// A small naive forward-chaining Datalog evaluator: facts, rules with
// equality/inequality constraints over bound variables, and queries (rule
// bodies with no head) used by checks and policies.

package biscuit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IsVariable reports whether a term is a variable reference (leading "$")
// rather than a ground literal.
func IsVariable(term string) bool {
	return strings.HasPrefix(term, "$")
}

// Atom is a predicate application: a name and its argument terms. Terms may
// be variables or literals. A Fact is an Atom whose every term is a
// literal (ground).
type Atom struct {
	Name  string   `json:"name"`
	Terms []string `json:"terms"`
}

func (a Atom) key() string {
	return a.Name + "(" + strings.Join(a.Terms, ",") + ")"
}

// Fact is a ground atom, asserted directly or derived by a rule.
type Fact = Atom

// ConstraintOp names a comparison applied to two (by then bound) terms
// after a rule body matches.
type ConstraintOp string

const (
	OpEqual         ConstraintOp = "eq"
	OpNotEqual      ConstraintOp = "neq"
	OpLessThan      ConstraintOp = "lt"
	OpLessEqual     ConstraintOp = "lte"
	OpGreaterThan   ConstraintOp = "gt"
	OpGreaterEqual  ConstraintOp = "gte"
	// OpResourceMatch realizes the "**" wildcard rule: Left (a
	// capability's declared resource) matches Right (the
	// requested resource) if Left == "**" or Left == Right.
	OpResourceMatch ConstraintOp = "resource_match"
)

// Constraint compares two terms, each either a bound variable or a
// literal, once a rule's body has produced a binding for them.
type Constraint struct {
	Op    ConstraintOp `json:"op"`
	Left  string       `json:"left"`
	Right string       `json:"right"`
}

// Query is a rule body with no head: a set of atoms to match against the
// fact set plus constraints on the resulting bindings. Used standalone by
// Check and Policy, and embedded in Rule for forward chaining.
type Query struct {
	Body        []Atom       `json:"body"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// Rule derives Head, substituted under a binding, whenever its Query
// matches the current fact set.
type Rule struct {
	Head Atom `json:"head"`
	Query
}

// Check passes if at least one of its Queries is satisfiable against the
// evaluated fact set.
type Check struct {
	Queries []Query `json:"queries"`
}

// Policy is one allow/deny rule in an ordered policy list; the first whose
// Query is satisfiable decides the outcome.
type Policy struct {
	Effect string `json:"effect"` // "allow" or "deny"
	Query  Query  `json:"query"`
}

const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// Evaluator limits prevent a malformed or adversarial rule set from running
// away: a documented iteration cap and a documented derived-fact cap.
const (
	MaxIterations  = 1000
	MaxDerivedFacts = 10000
)

// ErrEvaluationCapExceeded is returned when forward chaining would exceed
// MaxIterations or MaxDerivedFacts before reaching a fixed point.
var ErrEvaluationCapExceeded = fmt.Errorf("biscuit: evaluation exceeded the documented iteration/fact caps (max %d iterations, %d facts)", MaxIterations, MaxDerivedFacts)

type binding map[string]string

// Evaluate runs naive forward chaining: starting from facts, repeatedly
// applies rules until no rule derives a new fact (a fixed point) or the
// iteration/fact caps are hit. Returns the full fact set including every
// derived fact.
func Evaluate(facts []Fact, rules []Rule) (map[string]Fact, error) {
	known := make(map[string]Fact, len(facts))
	for _, f := range facts {
		known[f.key()] = f
	}

	for iter := 0; iter < MaxIterations; iter++ {
		changed := false
		for _, rule := range rules {
			for _, b := range matchBody(rule.Body, known, binding{}) {
				if !satisfiesConstraints(rule.Constraints, b) {
					continue
				}
				derived, err := substitute(rule.Head, b)
				if err != nil {
					return nil, fmt.Errorf("biscuit: derive %s: %w", rule.Head.Name, err)
				}
				k := derived.key()
				if _, exists := known[k]; !exists {
					if len(known) >= MaxDerivedFacts {
						return nil, ErrEvaluationCapExceeded
					}
					known[k] = derived
					changed = true
				}
			}
		}
		if !changed {
			return known, nil
		}
	}
	return nil, ErrEvaluationCapExceeded
}

// Satisfiable reports whether q's body matches the fact set under any
// binding that also passes q's constraints. This is the basis of Check and
// Policy evaluation, which have no head to derive.
func Satisfiable(q Query, facts map[string]Fact) bool {
	for _, b := range matchBody(q.Body, facts, binding{}) {
		if satisfiesConstraints(q.Constraints, b) {
			return true
		}
	}
	return false
}

// matchBody recursively unifies each atom in body, left to right, against
// facts, threading bindings through. Returns every binding under which the
// full body is satisfied.
func matchBody(body []Atom, facts map[string]Fact, b binding) []binding {
	if len(body) == 0 {
		return []binding{cloneBinding(b)}
	}
	first, rest := body[0], body[1:]

	var results []binding
	for _, fact := range facts {
		if fact.Name != first.Name || len(fact.Terms) != len(first.Terms) {
			continue
		}
		next, ok := unify(first, fact, b)
		if !ok {
			continue
		}
		results = append(results, matchBody(rest, facts, next)...)
	}
	return results
}

func unify(atom Atom, fact Fact, b binding) (binding, bool) {
	next := cloneBinding(b)
	for i, term := range atom.Terms {
		if IsVariable(term) {
			if bound, ok := next[term]; ok {
				if bound != fact.Terms[i] {
					return nil, false
				}
				continue
			}
			next[term] = fact.Terms[i]
			continue
		}
		if term != fact.Terms[i] {
			return nil, false
		}
	}
	return next, true
}

func resolve(term string, b binding) string {
	if IsVariable(term) {
		return b[term]
	}
	return term
}

func satisfiesConstraints(constraints []Constraint, b binding) bool {
	for _, c := range constraints {
		left := resolve(c.Left, b)
		right := resolve(c.Right, b)
		if !evalConstraint(c.Op, left, right) {
			return false
		}
	}
	return true
}

func evalConstraint(op ConstraintOp, left, right string) bool {
	switch op {
	case OpEqual:
		return left == right
	case OpNotEqual:
		return left != right
	case OpResourceMatch:
		return left == "**" || left == right
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
		lf, lerr := strconv.ParseFloat(left, 64)
		rf, rerr := strconv.ParseFloat(right, 64)
		if lerr != nil || rerr != nil {
			return false
		}
		switch op {
		case OpLessThan:
			return lf < rf
		case OpLessEqual:
			return lf <= rf
		case OpGreaterThan:
			return lf > rf
		case OpGreaterEqual:
			return lf >= rf
		}
	}
	return false
}

func substitute(head Atom, b binding) (Fact, error) {
	terms := make([]string, len(head.Terms))
	for i, term := range head.Terms {
		if IsVariable(term) {
			val, ok := b[term]
			if !ok {
				return Fact{}, fmt.Errorf("unbound variable %s in head of derived fact", term)
			}
			terms[i] = val
			continue
		}
		terms[i] = term
	}
	return Fact{Name: head.Name, Terms: terms}, nil
}

func cloneBinding(b binding) binding {
	next := make(binding, len(b))
	for k, v := range b {
		next[k] = v
	}
	return next
}

// sortedFacts returns facts in a deterministic order, for reproducible
// error messages and tests.
func sortedFacts(facts map[string]Fact) []Fact {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Fact, len(keys))
	for i, k := range keys {
		out[i] = facts[k]
	}
	return out
}
