// Package plan models target-agnostic entitlement changes and computes
// them from decided certification items.
package plan

import (
	"sort"
)

// AccountOp is the operation on an account.
type AccountOp string

const (
	// AccountOpModify changes attribute or permission values.
	AccountOpModify AccountOp = "modify"

	// AccountOpDelete removes the whole account.
	AccountOpDelete AccountOp = "delete"
)

// AttributeOp is the operation on a single attribute value.
type AttributeOp string

const (
	// AttributeOpAdd grants a value (missing required roles on approve).
	AttributeOpAdd AttributeOp = "add"

	// AttributeOpRemove withdraws a manually assigned value.
	AttributeOpRemove AttributeOp = "remove"

	// AttributeOpRevoke withdraws a rule-derived value so the rule does
	// not grant it back.
	AttributeOpRevoke AttributeOp = "revoke"
)

// AttributeRequest is one value change on an account or object.
type AttributeRequest struct {
	// Name is the attribute or permission target.
	Name string `json:"name"`

	// Value is the granted value being changed.
	Value string `json:"value"`

	// Op is the requested change.
	Op AttributeOp `json:"op"`

	// Permission marks the change as a permission rather than an
	// attribute value.
	Permission bool `json:"permission,omitempty"`

	// TrackingIDs attribute the change to the originating items.
	TrackingIDs []string `json:"tracking_ids,omitempty"`
}

// AccountRequest groups attribute changes on one account.
type AccountRequest struct {
	// Application is the target application.
	Application string `json:"application"`

	// NativeIdentity is the account identifier on the application.
	NativeIdentity string `json:"native_identity"`

	// Op is modify or delete. Delete subsumes attribute changes.
	Op AccountOp `json:"op"`

	// Attributes are the value changes for modify requests.
	Attributes []AttributeRequest `json:"attributes,omitempty"`

	// TrackingIDs attribute account-level operations (delete) to the
	// originating items.
	TrackingIDs []string `json:"tracking_ids,omitempty"`
}

// ObjectRequest changes a relationship inside a managed object (role
// definition).
type ObjectRequest struct {
	// ObjectType is the managed object kind, currently always "role".
	ObjectType string `json:"object_type"`

	// ObjectName identifies the object.
	ObjectName string `json:"object_name"`

	// Attributes are the relationship changes.
	Attributes []AttributeRequest `json:"attributes,omitempty"`

	// TrackingIDs attribute the change to the originating items.
	TrackingIDs []string `json:"tracking_ids,omitempty"`
}

// Plan is a target-agnostic set of entitlement change requests. A
// calculator fragment carries the originating item id as TrackingID;
// merged master plans carry attribution on each request instead.
type Plan struct {
	// TrackingID is the originating item id on calculator fragments,
	// empty on merged master plans.
	TrackingID string `json:"tracking_id,omitempty"`

	// Source references the originating campaign.
	Source string `json:"source,omitempty"`

	// Accounts are per-account change requests.
	Accounts []AccountRequest `json:"accounts,omitempty"`

	// Objects are role-definition change requests.
	Objects []ObjectRequest `json:"objects,omitempty"`
}

// IsEmpty reports whether the plan requests no changes.
func (p *Plan) IsEmpty() bool {
	return p == nil || (len(p.Accounts) == 0 && len(p.Objects) == 0)
}

// Merge folds a fragment into p idempotently: a duplicate
// account+attribute+value request never produces a second entry, and an
// account delete subsumes attribute changes on the same account.
// Request order is normalized so repeated merges over the same input
// produce identical plans.
func (p *Plan) Merge(fragment *Plan) {
	if fragment.IsEmpty() {
		return
	}

	for _, account := range fragment.Accounts {
		p.mergeAccount(account, fragment.TrackingID)
	}
	for _, object := range fragment.Objects {
		p.mergeObject(object, fragment.TrackingID)
	}

	p.normalize()
}

func (p *Plan) mergeAccount(incoming AccountRequest, trackingID string) {
	incoming = attributeTracked(incoming, trackingID)

	for i := range p.Accounts {
		existing := &p.Accounts[i]
		if existing.Application != incoming.Application || existing.NativeIdentity != incoming.NativeIdentity {
			continue
		}

		existing.TrackingIDs = unionIDs(existing.TrackingIDs, incoming.TrackingIDs)

		// Delete wins over modify; attribute changes on a deleted
		// account are moot.
		if incoming.Op == AccountOpDelete || existing.Op == AccountOpDelete {
			existing.Op = AccountOpDelete
			existing.Attributes = nil
			return
		}

		for _, attr := range incoming.Attributes {
			existing.Attributes = mergeAttribute(existing.Attributes, attr)
		}
		return
	}

	p.Accounts = append(p.Accounts, incoming)
}

func (p *Plan) mergeObject(incoming ObjectRequest, trackingID string) {
	if trackingID != "" {
		incoming.TrackingIDs = unionIDs(incoming.TrackingIDs, []string{trackingID})
		for i := range incoming.Attributes {
			incoming.Attributes[i].TrackingIDs = unionIDs(incoming.Attributes[i].TrackingIDs, []string{trackingID})
		}
	}

	for i := range p.Objects {
		existing := &p.Objects[i]
		if existing.ObjectType != incoming.ObjectType || existing.ObjectName != incoming.ObjectName {
			continue
		}
		existing.TrackingIDs = unionIDs(existing.TrackingIDs, incoming.TrackingIDs)
		for _, attr := range incoming.Attributes {
			existing.Attributes = mergeAttribute(existing.Attributes, attr)
		}
		return
	}

	p.Objects = append(p.Objects, incoming)
}

func attributeTracked(account AccountRequest, trackingID string) AccountRequest {
	if trackingID == "" {
		return account
	}
	account.TrackingIDs = unionIDs(account.TrackingIDs, []string{trackingID})
	attrs := make([]AttributeRequest, len(account.Attributes))
	copy(attrs, account.Attributes)
	for i := range attrs {
		attrs[i].TrackingIDs = unionIDs(attrs[i].TrackingIDs, []string{trackingID})
	}
	account.Attributes = attrs
	return account
}

// mergeAttribute adds attr unless an equivalent request already exists,
// in which case only the tracking attribution is unioned.
func mergeAttribute(attrs []AttributeRequest, attr AttributeRequest) []AttributeRequest {
	for i := range attrs {
		existing := &attrs[i]
		if existing.Name == attr.Name && existing.Value == attr.Value &&
			existing.Op == attr.Op && existing.Permission == attr.Permission {
			existing.TrackingIDs = unionIDs(existing.TrackingIDs, attr.TrackingIDs)
			return attrs
		}
	}
	return append(attrs, attr)
}

func (p *Plan) normalize() {
	for i := range p.Accounts {
		sortAttributes(p.Accounts[i].Attributes)
	}
	for i := range p.Objects {
		sortAttributes(p.Objects[i].Attributes)
	}
	sort.SliceStable(p.Accounts, func(i, j int) bool {
		a, b := p.Accounts[i], p.Accounts[j]
		if a.Application != b.Application {
			return a.Application < b.Application
		}
		return a.NativeIdentity < b.NativeIdentity
	})
	sort.SliceStable(p.Objects, func(i, j int) bool {
		a, b := p.Objects[i], p.Objects[j]
		if a.ObjectType != b.ObjectType {
			return a.ObjectType < b.ObjectType
		}
		return a.ObjectName < b.ObjectName
	})
}

func sortAttributes(attrs []AttributeRequest) {
	sort.SliceStable(attrs, func(i, j int) bool {
		a, b := attrs[i], attrs[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Op < b.Op
	})
}

func unionIDs(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	sort.Strings(existing)
	return existing
}

// FilterTracking returns the subset of p attributed to trackingID, with
// the fragment's TrackingID restored. Used to itemize a compiled master
// plan back into per-item sub-plans.
func (p *Plan) FilterTracking(trackingID string) *Plan {
	result := &Plan{TrackingID: trackingID, Source: p.Source}

	for _, account := range p.Accounts {
		filtered := AccountRequest{
			Application:    account.Application,
			NativeIdentity: account.NativeIdentity,
			Op:             account.Op,
		}
		if account.Op == AccountOpDelete {
			if containsID(account.TrackingIDs, trackingID) {
				result.Accounts = append(result.Accounts, filtered)
			}
			continue
		}
		for _, attr := range account.Attributes {
			if containsID(attr.TrackingIDs, trackingID) {
				attr.TrackingIDs = nil
				filtered.Attributes = append(filtered.Attributes, attr)
			}
		}
		if len(filtered.Attributes) > 0 {
			result.Accounts = append(result.Accounts, filtered)
		}
	}

	for _, object := range p.Objects {
		filtered := ObjectRequest{ObjectType: object.ObjectType, ObjectName: object.ObjectName}
		for _, attr := range object.Attributes {
			if containsID(attr.TrackingIDs, trackingID) {
				attr.TrackingIDs = nil
				filtered.Attributes = append(filtered.Attributes, attr)
			}
		}
		if len(filtered.Attributes) > 0 {
			result.Objects = append(result.Objects, filtered)
		}
	}

	return result
}

// TrackingIDs returns every item id attributed anywhere in the plan.
func (p *Plan) TrackingIDs() []string {
	var ids []string
	if p == nil {
		return ids
	}
	for _, account := range p.Accounts {
		ids = unionIDs(ids, account.TrackingIDs)
		for _, attr := range account.Attributes {
			ids = unionIDs(ids, attr.TrackingIDs)
		}
	}
	for _, object := range p.Objects {
		ids = unionIDs(ids, object.TrackingIDs)
		for _, attr := range object.Attributes {
			ids = unionIDs(ids, attr.TrackingIDs)
		}
	}
	return ids
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
