package models

import (
	"time"
)

// WorkItemType categorizes manual tasks.
type WorkItemType string

const (
	// WorkItemTypeRemediation asks a human to carry out entitlement
	// changes that cannot be provisioned automatically.
	WorkItemTypeRemediation WorkItemType = "remediation"

	// WorkItemTypeDelegation asks a delegation recipient to decide items.
	WorkItemTypeDelegation WorkItemType = "delegation"

	// WorkItemTypeChallenge asks an affected subject whether they
	// dispute a revoke.
	WorkItemTypeChallenge WorkItemType = "challenge"
)

// WorkItemState is the lifecycle state of a manual task.
type WorkItemState string

const (
	WorkItemStateOpen     WorkItemState = "open"
	WorkItemStateFinished WorkItemState = "finished"
	WorkItemStateExpired  WorkItemState = "expired"
)

// WorkItem is a unit of work routed to a human.
type WorkItem struct {
	// ID is the unique identifier for the work item.
	ID string `json:"id"`

	// Type categorizes the task.
	Type WorkItemType `json:"type"`

	// State is the current lifecycle state.
	State WorkItemState `json:"state"`

	// Owner is the identity the task is assigned to.
	Owner string `json:"owner"`

	// Requester is the identity whose decision produced the task.
	Requester string `json:"requester,omitempty"`

	// CampaignID references the originating campaign.
	CampaignID string `json:"campaign_id"`

	// EntityID references the related entity, if any.
	EntityID string `json:"entity_id,omitempty"`

	// ItemIDs lists the items the task covers. Remediation tasks for
	// the same owner accumulate items instead of proliferating.
	ItemIDs []string `json:"item_ids,omitempty"`

	// Description is shown to the owner.
	Description string `json:"description,omitempty"`

	// NotificationSent marks the owner as notified.
	NotificationSent bool `json:"notification_sent,omitempty"`

	// ExpiresAt closes the task automatically, nil for open-ended.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// CreatedAt is when the task was opened.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether the task still accepts work.
func (w *WorkItem) Open() bool {
	return w != nil && w.State == WorkItemStateOpen
}

// HasItem reports whether the task already covers the given item.
func (w *WorkItem) HasItem(itemID string) bool {
	for _, id := range w.ItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}
