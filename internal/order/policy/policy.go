// Package policy is the row-scoped authorization evaluator for orders.
//
// Every decision is a pure function of two immutable, already-materialized
// inputs: the caller's identity snapshot and the row snapshot. Predicates can
// never trigger further predicate evaluation or any store access, so policy
// evaluation terminates by construction and is safe to run inside the same
// transaction as the write it gates.
package policy

import (
	"dispatch/internal/order/models"
	"dispatch/pkg/domain"
)

// Action is a requested operation on an order row. Status transitions map to
// per-edge actions so pricing and assignment can carry admin-only policies.
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionConfirm Action = "confirm"
	ActionPrice   Action = "price"
	ActionAssign  Action = "assign"
	ActionCancel  Action = "cancel"
	// ActionFulfill covers the driver-owned edges: picked_up, in_transit,
	// delivered.
	ActionFulfill Action = "fulfill"
)

// ActionForTransition maps a target status to the action governing that edge.
// The state machine itself (which source statuses admit the edge) is enforced
// separately by domain.OrderStatus.CanTransitionTo.
func ActionForTransition(target domain.OrderStatus) (Action, bool) {
	switch target {
	case domain.StatusConfirmed:
		return ActionConfirm, true
	case domain.StatusPriced:
		return ActionPrice, true
	case domain.StatusAssigned:
		return ActionAssign, true
	case domain.StatusCancelled:
		return ActionCancel, true
	case domain.StatusPickedUp, domain.StatusInTransit, domain.StatusDelivered:
		return ActionFulfill, true
	}
	return "", false
}

// Reason is the structured explanation attached to a denial. Reasons exist so
// the service layer can distinguish "not owner" from "role may never do this"
// without leaking row existence to the caller; they are not exposed outwardly.
type Reason string

const (
	ReasonAllowed       Reason = "allowed"
	ReasonRoleForbidden Reason = "role_forbidden"
	ReasonNotOwner      Reason = "not_owner"
	ReasonNotAssignee   Reason = "not_assignee"
	ReasonWrongStatus   Reason = "wrong_status"
	ReasonNoPolicy      Reason = "no_policy"
)

// Decision is the evaluator's verdict.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision        { return Decision{Allowed: true, Reason: ReasonAllowed} }
func deny(r Reason) Decision { return Decision{Allowed: false, Reason: r} }

// Predicate decides one (role, action) cell of the policy table over the two
// snapshots. Predicates must not have side effects.
type Predicate func(p domain.Principal, o *models.Order) Decision

func always(domain.Principal, *models.Order) Decision { return allow() }

func ownerOnly(p domain.Principal, o *models.Order) Decision {
	if o != nil && o.RestaurantID == p.ID {
		return allow()
	}
	return deny(ReasonNotOwner)
}

func assigneeOnly(p domain.Principal, o *models.Order) Decision {
	if o != nil && o.DriverID != nil && *o.DriverID == p.ID {
		return allow()
	}
	return deny(ReasonNotAssignee)
}

// ownerPendingOnly lets a restaurant cancel its own order, but only while it
// is still pending; the restaurant never drives the status machine past that.
func ownerPendingOnly(p domain.Principal, o *models.Order) Decision {
	if d := ownerOnly(p, o); !d.Allowed {
		return d
	}
	if o.Status != domain.StatusPending {
		return deny(ReasonWrongStatus)
	}
	return allow()
}

// rules is the policy table of record (one predicate per entity-action-role
// cell). Admin rows are explicit rather than special-cased so the whole policy
// is readable in one place.
var rules = map[Action]map[domain.Role]Predicate{
	ActionRead: {
		domain.RoleAdmin:      always,
		domain.RoleRestaurant: ownerOnly,
		domain.RoleDriver:     assigneeOnly,
	},
	ActionCreate: {
		domain.RoleRestaurant: always,
	},
	ActionConfirm: {
		domain.RoleAdmin: always,
	},
	ActionPrice: {
		domain.RoleAdmin: always,
	},
	ActionAssign: {
		domain.RoleAdmin: always,
	},
	ActionCancel: {
		domain.RoleAdmin:      always,
		domain.RoleRestaurant: ownerPendingOnly,
	},
	ActionFulfill: {
		domain.RoleAdmin:  always,
		domain.RoleDriver: assigneeOnly,
	},
}

// RolePermitted reports whether the role has any rule for the action. The
// check is independent of the row, so callers can reject a role that may
// never perform the action before reading anything; the response is then
// identical whether the row exists or not.
func RolePermitted(p domain.Principal, action Action) bool {
	_, ok := rules[action][p.Role]
	return ok
}

// Evaluate returns the policy decision for (principal, action, row). It has no
// side effects and performs no I/O; callers pass the row snapshot they read
// inside their own transaction.
func Evaluate(p domain.Principal, action Action, order *models.Order) Decision {
	perRole, ok := rules[action]
	if !ok {
		return deny(ReasonNoPolicy)
	}
	pred, ok := perRole[p.Role]
	if !ok {
		return deny(ReasonRoleForbidden)
	}
	return pred(p, order)
}
