// Package provision defines the boundary to the downstream provisioning
// engine that expands and executes entitlement-change plans against
// target systems.
package provision

import (
	"context"
	"sync"

	"github.com/akvistad/attest/internal/plan"
)

// Project is a compiled master plan, split into the portion the
// integration layer can push automatically and the portion that needs a
// human or an unmanaged process.
type Project struct {
	// Source references the originating campaign.
	Source string

	// Automatable holds requests with a working integration.
	Automatable *plan.Plan

	// Unmanaged holds requests no integration can carry out.
	Unmanaged *plan.Plan
}

// ItemizedPlan is the per-item slice of a compiled project.
type ItemizedPlan struct {
	Automatable *plan.Plan
	Unmanaged   *plan.Plan
}

// Engine compiles and executes plans. Implementations talk to real
// connectors; this core only consumes the automatable/unmanaged split.
type Engine interface {
	// Compile expands a master plan against the target environment.
	Compile(ctx context.Context, master *plan.Plan) (*Project, error)

	// Itemize splits a compiled project back into per-item sub-plans
	// keyed by tracking id.
	Itemize(project *Project) map[string]*ItemizedPlan

	// Execute pushes the automatable portion to the integrations.
	Execute(ctx context.Context, project *Project) error
}

// LocalEngine is a deterministic Engine that partitions requests by a
// per-application integration predicate. It stands in for the real
// provisioning stack in tests and single-node deployments.
type LocalEngine struct {
	// Integrated reports whether the application has a working
	// provisioning integration. Nil treats every application as
	// integrated.
	Integrated func(application string) bool

	mu       sync.Mutex
	executed []*Project
}

// NewLocalEngine creates a LocalEngine over the integration predicate.
func NewLocalEngine(integrated func(application string) bool) *LocalEngine {
	return &LocalEngine{Integrated: integrated}
}

// Compile implements Engine. Account requests route by the integration
// predicate; role-definition object requests are always automatable
// since they never leave the system.
func (e *LocalEngine) Compile(ctx context.Context, master *plan.Plan) (*Project, error) {
	project := &Project{
		Source:      master.Source,
		Automatable: &plan.Plan{Source: master.Source},
		Unmanaged:   &plan.Plan{Source: master.Source},
	}

	for _, account := range master.Accounts {
		if e.integrated(account.Application) {
			project.Automatable.Accounts = append(project.Automatable.Accounts, account)
		} else {
			project.Unmanaged.Accounts = append(project.Unmanaged.Accounts, account)
		}
	}
	project.Automatable.Objects = append(project.Automatable.Objects, master.Objects...)

	return project, nil
}

// Itemize implements Engine.
func (e *LocalEngine) Itemize(project *Project) map[string]*ItemizedPlan {
	result := make(map[string]*ItemizedPlan)

	for _, trackingID := range project.Automatable.TrackingIDs() {
		itemized := ensureItemized(result, trackingID)
		itemized.Automatable = project.Automatable.FilterTracking(trackingID)
	}
	for _, trackingID := range project.Unmanaged.TrackingIDs() {
		itemized := ensureItemized(result, trackingID)
		itemized.Unmanaged = project.Unmanaged.FilterTracking(trackingID)
	}

	return result
}

// Execute implements Engine. The local engine records the project; real
// connectors are outside this core.
func (e *LocalEngine) Execute(ctx context.Context, project *Project) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, project)
	return nil
}

// Executed returns every project passed to Execute, for tests.
func (e *LocalEngine) Executed() []*Project {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]*Project, len(e.executed))
	copy(result, e.executed)
	return result
}

func (e *LocalEngine) integrated(application string) bool {
	if e.Integrated == nil {
		return true
	}
	return e.Integrated(application)
}

func ensureItemized(m map[string]*ItemizedPlan, trackingID string) *ItemizedPlan {
	if itemized, ok := m[trackingID]; ok {
		return itemized
	}
	itemized := &ItemizedPlan{}
	m[trackingID] = itemized
	return itemized
}
