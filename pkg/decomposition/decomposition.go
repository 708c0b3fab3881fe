// Copyright 2025 Certen Protocol
//
// Decomposition engine: split a contract into sub-tasks and validate the
// resulting plan against the parent's budget, deadline, and capability
// constraints.

package decomposition

import (
	"fmt"
	"math"
	"time"

	"github.com/certen/independant-validator/pkg/contract"
	"github.com/certen/independant-validator/pkg/model"
)

// SubTask is one unit of work produced by a DecompositionStrategy.
type SubTask struct {
	SubTaskID    string             `json:"subTaskId"`
	DependsOn    []string           `json:"dependsOn,omitempty"`
	Capabilities []model.Capability `json:"capabilities"`
	BudgetMicrocents int64          `json:"budgetMicrocents"`
	Deadline     time.Time          `json:"deadline"`
}

// Plan is an ordered list of sub-tasks produced for a single parent contract.
type Plan struct {
	ContractID string    `json:"contractId"`
	SubTasks   []SubTask `json:"subTasks"`
}

// Strategy produces an ordered list of SubTasks from a parent contract.
type Strategy interface {
	Decompose(parent *contract.TaskContract, fractions []float64) (*Plan, error)
}

// ViolationRule names which validatePlan rule was violated.
type ViolationRule string

const (
	RuleBudgetSum        ViolationRule = "budget_sum_exceeds_parent"
	RuleDeadlineExceeded  ViolationRule = "deadline_exceeds_parent"
	RuleCapabilityNotCovered ViolationRule = "capability_not_covered_by_parent"
	RuleCyclicDependency  ViolationRule = "cyclic_dependency"
)

// PlanViolation names the first violated rule and the offending sub-task.
type PlanViolation struct {
	Rule      ViolationRule
	SubTaskID string
	Detail    string
}

func (v *PlanViolation) Error() string {
	return fmt.Sprintf("decomposition: %s violated by sub-task %s: %s", v.Rule, v.SubTaskID, v.Detail)
}

// ValidatePlan enforces, in order: (1) sum of sub-task budgets does not
// exceed the parent's maxBudgetMicrocents, (2) every sub-task deadline is
// at or before the parent's deadline, (3) every sub-task capability is
// contained in the parent's capability set, (4) the dependency graph is
// acyclic.
func ValidatePlan(plan *Plan, parent *contract.TaskContract) error {
	var sum int64
	for _, st := range plan.SubTasks {
		sum += st.BudgetMicrocents
	}
	if sum > parent.Constraints.MaxBudgetMicrocents {
		return &PlanViolation{
			Rule:   RuleBudgetSum,
			Detail: fmt.Sprintf("sum %d exceeds parent budget %d", sum, parent.Constraints.MaxBudgetMicrocents),
		}
	}

	parentDeadline, err := time.Parse(time.RFC3339, parent.Constraints.Deadline)
	if err != nil {
		return fmt.Errorf("decomposition: parse parent deadline: %w", err)
	}
	for _, st := range plan.SubTasks {
		if st.Deadline.After(parentDeadline) {
			return &PlanViolation{
				Rule:      RuleDeadlineExceeded,
				SubTaskID: st.SubTaskID,
				Detail:    fmt.Sprintf("deadline %s exceeds parent deadline %s", st.Deadline, parentDeadline),
			}
		}
	}

	for _, st := range plan.SubTasks {
		if !model.IsSubset(st.Capabilities, parent.Task.RequiredCapabilities) {
			return &PlanViolation{
				Rule:      RuleCapabilityNotCovered,
				SubTaskID: st.SubTaskID,
				Detail:    "sub-task requests a capability not covered by the parent",
			}
		}
	}

	if cycleID, ok := detectCycle(plan.SubTasks); ok {
		return &PlanViolation{
			Rule:      RuleCyclicDependency,
			SubTaskID: cycleID,
			Detail:    "dependency graph contains a cycle",
		}
	}

	return nil
}

// detectCycle runs DFS with discovery/finish coloring over the dependency
// graph (edges point from a sub-task to the sub-tasks it depends on).
func detectCycle(tasks []SubTask) (string, bool) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(tasks))
	byID := make(map[string]SubTask, len(tasks))
	for _, t := range tasks {
		color[t.SubTaskID] = white
		byID[t.SubTaskID] = t
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, t := range tasks {
		if color[t.SubTaskID] == white {
			if visit(t.SubTaskID) {
				return t.SubTaskID, true
			}
		}
	}
	return "", false
}

// budgetFraction computes floor(total * fraction).
func budgetFraction(total int64, fraction float64) int64 {
	return int64(math.Floor(float64(total) * fraction))
}
