package task

// PlanEntry pairs a selected task with its estimate and the running
// cumulative token total at the point it was admitted into the plan.
type PlanEntry struct {
	Task             Task     `json:"task"`
	Estimate         Estimate `json:"estimate"`
	CumulativeTokens int      `json:"cumulative_tokens"`
}

// ExecutionPlan is the budgeting layer's output: the tasks that fit the
// token budget, the ones that did not, and the remaining headroom.
type ExecutionPlan struct {
	SelectedTasks   []PlanEntry `json:"selected_tasks"`
	DeferredTasks   []Task      `json:"deferred_tasks,omitempty"`
	ReserveTokens   int         `json:"reserve_tokens"`
	RemainingTokens int         `json:"remaining_tokens"`
}
