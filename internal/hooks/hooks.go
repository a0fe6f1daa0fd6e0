// Package hooks runs deployment-provided extension points. Each hook
// kind has a closed parameter struct; scripts receive and return plain
// maps so they stay decoupled from internal types.
package hooks

import "context"

// Function names a script must export to handle a hook kind.
const (
	FuncPreDelegation     = "PreDelegation"
	FuncExclusions        = "Exclusions"
	FuncCustomizeWorkItem = "CustomizeWorkItem"
)

// PreDelegationParams describes a delegation about to be created.
type PreDelegationParams struct {
	CampaignID  string `json:"campaign_id"`
	EntityID    string `json:"entity_id"`
	Requester   string `json:"requester"`
	Recipient   string `json:"recipient"`
	Description string `json:"description"`
	Comments    string `json:"comments"`
}

// PreDelegationResult can veto the delegation or reroute it.
type PreDelegationResult struct {
	// Veto blocks the delegation entirely.
	Veto bool `json:"veto"`

	// Reason explains a veto to the requester.
	Reason string `json:"reason"`

	// Recipient overrides the delegation recipient when non-empty.
	Recipient string `json:"recipient"`
}

// ExclusionParams describes one item considered for a selection.
type ExclusionParams struct {
	CampaignID string `json:"campaign_id"`
	EntityID   string `json:"entity_id"`
	ItemID     string `json:"item_id"`
	ItemType   string `json:"item_type"`
}

// ExclusionResult excludes the item from the selection when set.
type ExclusionResult struct {
	Exclude     bool   `json:"exclude"`
	Explanation string `json:"explanation"`
}

// WorkItemParams describes a remediation work item before dispatch.
type WorkItemParams struct {
	CampaignID  string `json:"campaign_id"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
}

// WorkItemResult overrides work item routing. Empty fields keep the
// computed values.
type WorkItemResult struct {
	Owner       string `json:"owner"`
	Description string `json:"description"`
}

// Runner dispatches hook invocations. Implementations must tolerate a
// deployment that defines only some of the hooks.
type Runner interface {
	PreDelegation(ctx context.Context, params *PreDelegationParams) (*PreDelegationResult, error)
	Exclusions(ctx context.Context, params *ExclusionParams) (*ExclusionResult, error)
	CustomizeWorkItem(ctx context.Context, params *WorkItemParams) (*WorkItemResult, error)
}

// NopRunner implements Runner with every hook undefined.
type NopRunner struct{}

// PreDelegation implements Runner.
func (NopRunner) PreDelegation(ctx context.Context, params *PreDelegationParams) (*PreDelegationResult, error) {
	return nil, nil
}

// Exclusions implements Runner.
func (NopRunner) Exclusions(ctx context.Context, params *ExclusionParams) (*ExclusionResult, error) {
	return nil, nil
}

// CustomizeWorkItem implements Runner.
func (NopRunner) CustomizeWorkItem(ctx context.Context, params *WorkItemParams) (*WorkItemResult, error) {
	return nil, nil
}

// StaticRunner implements Runner from plain function fields, used in
// tests. Nil fields behave as undefined hooks.
type StaticRunner struct {
	PreDelegationFunc     func(ctx context.Context, params *PreDelegationParams) (*PreDelegationResult, error)
	ExclusionsFunc        func(ctx context.Context, params *ExclusionParams) (*ExclusionResult, error)
	CustomizeWorkItemFunc func(ctx context.Context, params *WorkItemParams) (*WorkItemResult, error)
}

// PreDelegation implements Runner.
func (r *StaticRunner) PreDelegation(ctx context.Context, params *PreDelegationParams) (*PreDelegationResult, error) {
	if r.PreDelegationFunc == nil {
		return nil, nil
	}
	return r.PreDelegationFunc(ctx, params)
}

// Exclusions implements Runner.
func (r *StaticRunner) Exclusions(ctx context.Context, params *ExclusionParams) (*ExclusionResult, error) {
	if r.ExclusionsFunc == nil {
		return nil, nil
	}
	return r.ExclusionsFunc(ctx, params)
}

// CustomizeWorkItem implements Runner.
func (r *StaticRunner) CustomizeWorkItem(ctx context.Context, params *WorkItemParams) (*WorkItemResult, error) {
	if r.CustomizeWorkItemFunc == nil {
		return nil, nil
	}
	return r.CustomizeWorkItemFunc(ctx, params)
}
