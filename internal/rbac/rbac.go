// Package rbac maps participant roles to the actions and artifact
// visibility they are allowed within a transaction.
package rbac

type Role string
type Action string
type Visibility string

const (
	RoleNegotiator   Role = "negotiator"
	RoleSeller       Role = "seller"
	RoleBuyer        Role = "buyer"
	RoleListingAgent Role = "listing_agent"
	RoleBuyersAgent  Role = "buyers_agent"
	RoleEscrow       Role = "escrow"
)

const (
	ActionView               Action = "view"
	ActionUpload             Action = "upload"
	ActionMessage            Action = "message"
	ActionChangePhase        Action = "change_phase"
	ActionSetVisibility      Action = "set_visibility"
	ActionManageParticipants Action = "manage_participants"
)

const (
	VisibilityShared  Visibility = "shared"
	VisibilityPrivate Visibility = "private"
)

// Can reports whether a participant role may perform an action on its
// transaction. Phase changes and visibility toggles are negotiator-only.
func Can(role Role, action Action) bool {
	if !Valid(role) {
		return false
	}
	switch action {
	case ActionView, ActionUpload, ActionMessage:
		return true
	case ActionChangePhase, ActionSetVisibility, ActionManageParticipants:
		return role == RoleNegotiator
	default:
		return false
	}
}

// CanViewArtifact decides artifact visibility for one viewer. Shared
// artifacts are visible to every participant; private artifacts only to
// their uploader and to negotiators.
func CanViewArtifact(role Role, viewerID, uploaderID string, visibility Visibility) bool {
	if !Valid(role) {
		return false
	}
	if visibility == VisibilityShared {
		return true
	}
	return role == RoleNegotiator || viewerID == uploaderID
}

// Valid reports whether the role is a member of the closed set. Unknown
// roles fail closed; there is no permissive default.
func Valid(role Role) bool {
	switch role {
	case RoleNegotiator, RoleSeller, RoleBuyer, RoleListingAgent, RoleBuyersAgent, RoleEscrow:
		return true
	default:
		return false
	}
}

func ValidVisibility(visibility Visibility) bool {
	return visibility == VisibilityShared || visibility == VisibilityPrivate
}
