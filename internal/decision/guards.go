package decision

import (
	"strings"

	"github.com/akvistad/attest/internal/models"
)

// SelfCertFunc reports whether decider deciding on subject would be
// self-certification. The default disallows only exact (case-folded)
// identity; deployments widen it to managers, shared accounts and the
// like.
type SelfCertFunc func(decider, subject string) bool

func defaultSelfCert(decider, subject string) bool {
	return decider != "" && strings.EqualFold(decider, subject)
}

// itemReadOnly is the shared phase/revoke guard. Every mutation path
// consults it: an item past its review window, or whose revoke has
// already been kicked off downstream, accepts no further decisions.
func itemReadOnly(item *models.Item) (bool, string) {
	switch item.Phase {
	case models.PhaseRemediation, models.PhaseClosed:
		return true, "item is phase-locked"
	}
	if item.Action.Revokes() && item.Action.RemediationKickedOff {
		return true, "revoke already kicked off"
	}
	return false, ""
}

// delegationBlocked reports whether an active delegation on the item or
// its entity blocks the decision. A decision made from within the
// delegation's own work item, or bundling an explicit revoke, passes.
func delegationBlocked(item *models.Item, entity *models.Entity, d *models.Decision) bool {
	if d.RevokeDelegation {
		return false
	}
	if item.Delegated() && item.Delegation.WorkItemID != d.WorkItemID {
		return true
	}
	if entity != nil && entity.Delegated() && entity.Delegation.WorkItemID != d.WorkItemID {
		return true
	}
	return false
}
