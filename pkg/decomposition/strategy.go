// Copyright 2025 Certen Protocol
//
// Built-in decomposition strategies: Sequential (chained dependencies) and
// Parallel (independent sub-tasks).

package decomposition

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen/independant-validator/pkg/contract"
)

// Sequential produces sub-tasks each depending on the previous one.
type Sequential struct {
	// DeadlineOffset, if positive, computes each sub-task's deadline as
	// parent.CreatedAt + DeadlineOffset instead of the parent's own
	// deadline.
	DeadlineOffset time.Duration
}

// Decompose implements Strategy. fractions must sum to <= 1.0; each
// sub-task receives a budget of floor(parent.maxBudget * fraction) and the
// full parent capability set (callers narrow per sub-task afterward if
// desired).
func (s Sequential) Decompose(parent *contract.TaskContract, fractions []float64) (*Plan, error) {
	if err := validateFractions(fractions); err != nil {
		return nil, err
	}

	deadline := mustParseDeadline(parent.Constraints.Deadline)
	if s.DeadlineOffset > 0 {
		deadline = parent.CreatedAt.Add(s.DeadlineOffset)
	}

	plan := &Plan{ContractID: parent.ContractID}
	var previous string
	for _, fraction := range fractions {
		id := "sub_" + uuid.NewString()
		st := SubTask{
			SubTaskID:        id,
			Capabilities:     parent.Task.RequiredCapabilities,
			BudgetMicrocents: budgetFraction(parent.Constraints.MaxBudgetMicrocents, fraction),
			Deadline:         deadline,
		}
		if previous != "" {
			st.DependsOn = []string{previous}
		}
		plan.SubTasks = append(plan.SubTasks, st)
		previous = id
	}
	return plan, nil
}

// Parallel produces independent sub-tasks with no dependency edges.
type Parallel struct{}

// Decompose implements Strategy.
func (p Parallel) Decompose(parent *contract.TaskContract, fractions []float64) (*Plan, error) {
	if err := validateFractions(fractions); err != nil {
		return nil, err
	}

	deadline := mustParseDeadline(parent.Constraints.Deadline)

	plan := &Plan{ContractID: parent.ContractID}
	for _, fraction := range fractions {
		plan.SubTasks = append(plan.SubTasks, SubTask{
			SubTaskID:        "sub_" + uuid.NewString(),
			Capabilities:     parent.Task.RequiredCapabilities,
			BudgetMicrocents: budgetFraction(parent.Constraints.MaxBudgetMicrocents, fraction),
			Deadline:         deadline,
		})
	}
	return plan, nil
}

func validateFractions(fractions []float64) error {
	var sum float64
	for _, f := range fractions {
		if f < 0 {
			return fmt.Errorf("decomposition: negative budget fraction %v", f)
		}
		sum += f
	}
	if sum > 1.0 {
		return &PlanViolation{Rule: RuleBudgetSum, Detail: fmt.Sprintf("fractions sum to %v, exceeds 1.0", sum)}
	}
	return nil
}

func mustParseDeadline(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// A malformed deadline on an already-signed contract is a data
		// integrity problem the caller must have caught earlier; a
		// decomposition strategy has no recovery path for it.
		panic(fmt.Sprintf("decomposition: invalid deadline %q: %v", s, err))
	}
	return t
}
