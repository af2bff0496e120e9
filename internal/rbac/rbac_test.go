package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "negotiator change phase", role: RoleNegotiator, action: ActionChangePhase, allow: true},
		{name: "negotiator set visibility", role: RoleNegotiator, action: ActionSetVisibility, allow: true},
		{name: "buyer change phase", role: RoleBuyer, action: ActionChangePhase, allow: false},
		{name: "seller set visibility", role: RoleSeller, action: ActionSetVisibility, allow: false},
		{name: "escrow set visibility", role: RoleEscrow, action: ActionSetVisibility, allow: false},
		{name: "buyer upload", role: RoleBuyer, action: ActionUpload, allow: true},
		{name: "listing agent message", role: RoleListingAgent, action: ActionMessage, allow: true},
		{name: "buyers agent view", role: RoleBuyersAgent, action: ActionView, allow: true},
		{name: "unknown role view", role: Role("admin"), action: ActionView, allow: false},
		{name: "empty role message", role: Role(""), action: ActionMessage, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestCanViewArtifact(t *testing.T) {
	cases := []struct {
		name       string
		role       Role
		viewerID   string
		uploaderID string
		visibility Visibility
		allow      bool
	}{
		{name: "shared visible to buyer", role: RoleBuyer, viewerID: "u1", uploaderID: "u2", visibility: VisibilityShared, allow: true},
		{name: "shared visible to escrow", role: RoleEscrow, viewerID: "u1", uploaderID: "u2", visibility: VisibilityShared, allow: true},
		{name: "private hidden from buyer", role: RoleBuyer, viewerID: "u1", uploaderID: "u2", visibility: VisibilityPrivate, allow: false},
		{name: "private visible to uploader", role: RoleSeller, viewerID: "u2", uploaderID: "u2", visibility: VisibilityPrivate, allow: true},
		{name: "private visible to negotiator", role: RoleNegotiator, viewerID: "u1", uploaderID: "u2", visibility: VisibilityPrivate, allow: true},
		{name: "private hidden from listing agent", role: RoleListingAgent, viewerID: "u1", uploaderID: "u2", visibility: VisibilityPrivate, allow: false},
		{name: "unknown role sees nothing", role: Role("viewer"), viewerID: "u2", uploaderID: "u2", visibility: VisibilityShared, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanViewArtifact(tc.role, tc.viewerID, tc.uploaderID, tc.visibility); got != tc.allow {
				t.Fatalf("CanViewArtifact(%q, %q, %q, %q) = %v, want %v",
					tc.role, tc.viewerID, tc.uploaderID, tc.visibility, got, tc.allow)
			}
		})
	}
}

func TestValid(t *testing.T) {
	for _, role := range []Role{RoleNegotiator, RoleSeller, RoleBuyer, RoleListingAgent, RoleBuyersAgent, RoleEscrow} {
		if !Valid(role) {
			t.Errorf("Valid(%q) = false, want true", role)
		}
	}
	for _, role := range []Role{"", "admin", "viewer", "NEGOTIATOR"} {
		if Valid(role) {
			t.Errorf("Valid(%q) = true, want false", role)
		}
	}
}
