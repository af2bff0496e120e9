package event

import (
	"encoding/json"
	"testing"
	"time"

	"closeline/api/internal/phase"
	"closeline/api/internal/rbac"
)

func TestRedactForPrivateArtifact(t *testing.T) {
	evt := NewArtifactAdded("txn_1", ArtifactPayload{
		ArtifactID: "art_1",
		Name:       "inspection-report.pdf",
		UploaderID: "usr_seller",
		Note:       "pre-offer inspection",
		Visibility: rbac.VisibilityPrivate,
		ObjectKey:  "txn_1/art_1",
	})
	evt.Sequence = 7

	cases := []struct {
		name     string
		role     rbac.Role
		viewerID string
		full     bool
	}{
		{name: "negotiator sees full payload", role: rbac.RoleNegotiator, viewerID: "usr_tc", full: true},
		{name: "uploader sees full payload", role: rbac.RoleSeller, viewerID: "usr_seller", full: true},
		{name: "buyer is redacted", role: rbac.RoleBuyer, viewerID: "usr_buyer", full: false},
		{name: "buyers agent is redacted", role: rbac.RoleBuyersAgent, viewerID: "usr_ba", full: false},
		{name: "escrow is redacted", role: rbac.RoleEscrow, viewerID: "usr_escrow", full: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evt.RedactFor(tc.role, tc.viewerID)
			if got.Kind != KindArtifactAdded || got.TransactionID != "txn_1" || got.Sequence != 7 {
				t.Fatalf("redaction must preserve kind, transaction and sequence, got %+v", got)
			}
			if tc.full {
				if got.Artifact.Redacted || got.Artifact.Name != "inspection-report.pdf" {
					t.Fatalf("expected full payload, got %+v", got.Artifact)
				}
				return
			}
			if !got.Artifact.Redacted {
				t.Fatal("expected redacted payload")
			}
			if got.Artifact.ArtifactID != "" || got.Artifact.Name != "" || got.Artifact.UploaderID != "" ||
				got.Artifact.Note != "" || got.Artifact.ObjectKey != "" {
				t.Fatalf("redacted payload leaks artifact data: %+v", got.Artifact)
			}
		})
	}
}

func TestRedactForDoesNotMutateOriginal(t *testing.T) {
	evt := NewArtifactAdded("txn_1", ArtifactPayload{
		ArtifactID: "art_1",
		Name:       "deed.pdf",
		UploaderID: "usr_seller",
		Visibility: rbac.VisibilityPrivate,
	})
	_ = evt.RedactFor(rbac.RoleBuyer, "usr_buyer")
	if evt.Artifact.Name != "deed.pdf" || evt.Artifact.Redacted {
		t.Fatalf("RedactFor mutated the source event: %+v", evt.Artifact)
	}
}

func TestSharedArtifactVisibleToAllRoles(t *testing.T) {
	evt := NewArtifactVisibilityChanged("txn_1", ArtifactPayload{
		ArtifactID: "art_1",
		Name:       "disclosure.pdf",
		UploaderID: "usr_seller",
		Visibility: rbac.VisibilityShared,
	})
	for _, role := range []rbac.Role{rbac.RoleBuyer, rbac.RoleBuyersAgent, rbac.RoleEscrow, rbac.RoleListingAgent} {
		got := evt.RedactFor(role, "usr_other")
		if got.Artifact.Redacted || got.Artifact.Name != "disclosure.pdf" {
			t.Errorf("role %s should see shared artifact, got %+v", role, got.Artifact)
		}
	}
}

func TestPhaseAndMessageEventsNeverRedacted(t *testing.T) {
	phaseEvt := NewPhaseChanged("txn_1", phase.Intake, phase.DocumentCollection, "usr_tc")
	if got := phaseEvt.RedactFor(rbac.RoleBuyer, "usr_buyer"); got.Phase == nil || got.Phase.To != phase.DocumentCollection {
		t.Fatalf("phase event was redacted: %+v", got)
	}

	msgEvt := NewMessagePosted("txn_1", MessagePayload{MessageID: "msg_1", AuthorID: "usr_a", AuthorName: "Avery", Body: "offer is in"})
	if got := msgEvt.RedactFor(rbac.RoleEscrow, "usr_escrow"); got.Message == nil || got.Message.Body != "offer is in" {
		t.Fatalf("message event was redacted: %+v", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	evt := NewPhaseChanged("txn_9", phase.Escrow, phase.ClosingDocuments, "usr_tc")
	evt.Sequence = 42

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal wire shape: %v", err)
	}
	for _, key := range []string{"type", "transactionId", "sequence", "data"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("wire shape missing %q: %s", key, raw)
		}
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Kind != KindPhaseChanged || decoded.Sequence != 42 || decoded.Phase == nil || decoded.Phase.From != phase.Escrow {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode(Kind("renamed"), "txn_1", 1, time.Now(), []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
