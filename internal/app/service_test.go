package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"closeline/api/internal/config"
	"closeline/api/internal/event"
	"closeline/api/internal/phase"
	"closeline/api/internal/rbac"
	"closeline/api/internal/store"
	"closeline/api/internal/stream"
)

type fakeStore struct {
	getUserByIDFn        func(context.Context, string) (store.User, error)
	getUserByEmailFn     func(context.Context, string) (store.User, error)
	getParticipantRoleFn func(context.Context, string, string) (rbac.Role, error)
	getCurrentPhaseFn    func(context.Context, string) (phase.Phase, error)
	setPhaseFn           func(context.Context, string, phase.Phase) error
	insertEventFn        func(context.Context, store.EventRecord) error
	listEventsSinceFn    func(context.Context, string, int64) ([]store.EventRecord, error)
	insertArtifactFn     func(context.Context, store.Artifact) error
	getArtifactFn        func(context.Context, string) (store.Artifact, error)
	setVisibilityFn      func(context.Context, string, rbac.Visibility) error
	listArtifactsFn      func(context.Context, string) ([]store.Artifact, error)
	insertMessageFn      func(context.Context, store.Message) error
	addParticipantFn     func(context.Context, store.Participant) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User"}, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) CreateTransaction(context.Context, store.Transaction) error { return nil }
func (f *fakeStore) GetTransaction(ctx context.Context, transactionID string) (store.Transaction, error) {
	return store.Transaction{ID: transactionID, PropertyAddr: "412 Harbor Lane", Phase: phase.Intake}, nil
}
func (f *fakeStore) ListTransactionsForUser(context.Context, string) ([]store.Transaction, error) {
	return nil, nil
}

func (f *fakeStore) GetCurrentPhase(ctx context.Context, transactionID string) (phase.Phase, error) {
	if f.getCurrentPhaseFn != nil {
		return f.getCurrentPhaseFn(ctx, transactionID)
	}
	return phase.Intake, nil
}

func (f *fakeStore) SetPhase(ctx context.Context, transactionID string, target phase.Phase) error {
	if f.setPhaseFn != nil {
		return f.setPhaseFn(ctx, transactionID, target)
	}
	return nil
}

func (f *fakeStore) CountTransactions(context.Context) (int, error) { return 0, nil }

func (f *fakeStore) AddParticipant(ctx context.Context, p store.Participant) error {
	if f.addParticipantFn != nil {
		return f.addParticipantFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) GetParticipantRole(ctx context.Context, transactionID, userID string) (rbac.Role, error) {
	if f.getParticipantRoleFn != nil {
		return f.getParticipantRoleFn(ctx, transactionID, userID)
	}
	return "", sql.ErrNoRows
}

func (f *fakeStore) ListParticipants(context.Context, string) ([]store.Participant, error) {
	return nil, nil
}

func (f *fakeStore) InsertArtifact(ctx context.Context, artifact store.Artifact) error {
	if f.insertArtifactFn != nil {
		return f.insertArtifactFn(ctx, artifact)
	}
	return nil
}

func (f *fakeStore) GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error) {
	if f.getArtifactFn != nil {
		return f.getArtifactFn(ctx, artifactID)
	}
	return store.Artifact{}, sql.ErrNoRows
}

func (f *fakeStore) SetArtifactVisibility(ctx context.Context, artifactID string, visibility rbac.Visibility) error {
	if f.setVisibilityFn != nil {
		return f.setVisibilityFn(ctx, artifactID, visibility)
	}
	return nil
}

func (f *fakeStore) ListArtifacts(ctx context.Context, transactionID string) ([]store.Artifact, error) {
	if f.listArtifactsFn != nil {
		return f.listArtifactsFn(ctx, transactionID)
	}
	return nil, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, message store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, message)
	}
	return nil
}

func (f *fakeStore) ListMessages(context.Context, string, int) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeStore) InsertEvent(ctx context.Context, record store.EventRecord) error {
	if f.insertEventFn != nil {
		return f.insertEventFn(ctx, record)
	}
	return nil
}

func (f *fakeStore) ListEventsSince(ctx context.Context, transactionID string, since int64) ([]store.EventRecord, error) {
	if f.listEventsSinceFn != nil {
		return f.listEventsSinceFn(ctx, transactionID, since)
	}
	return nil, nil
}

func (f *fakeStore) MaxSequence(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeStore) Ping(context.Context) error                        { return nil }

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{JWTSecret: "test-secret", AccessTTL: time.Minute, RefreshTTL: time.Hour},
		store:    fs,
		sessions: fs,
		hub:      stream.NewHub(nil),
	}
}

func roleFn(role rbac.Role) func(context.Context, string, string) (rbac.Role, error) {
	return func(context.Context, string, string) (rbac.Role, error) {
		return role, nil
	}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestRequestTransitionPersistsAndSequences(t *testing.T) {
	var persisted []store.EventRecord
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleNegotiator),
		insertEventFn: func(_ context.Context, record store.EventRecord) error {
			persisted = append(persisted, record)
			return nil
		},
	}
	svc := newTestService(fs)
	session := Session{UserID: "usr_1", UserName: "Avery"}

	payload, err := svc.RequestTransition(context.Background(), session, "txn_1", phase.OfferReview)
	if err != nil {
		t.Fatalf("RequestTransition() error = %v", err)
	}
	if payload["sequence"] != int64(1) {
		t.Fatalf("expected sequence 1, got %v", payload["sequence"])
	}
	if len(persisted) != 1 {
		t.Fatalf("expected one persisted event, got %d", len(persisted))
	}
	if persisted[0].Kind != string(event.KindPhaseChanged) || persisted[0].Sequence != 1 {
		t.Fatalf("unexpected record: %+v", persisted[0])
	}
}

func TestRequestTransitionDeniedForNonNegotiator(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleBuyer)}
	svc := newTestService(fs)

	_, err := svc.RequestTransition(context.Background(), Session{UserID: "usr_1"}, "txn_1", phase.OfferReview)
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestRequestTransitionRejectsSamePhase(t *testing.T) {
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleNegotiator),
		getCurrentPhaseFn: func(context.Context, string) (phase.Phase, error) {
			return phase.Escrow, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.RequestTransition(context.Background(), Session{UserID: "usr_1"}, "txn_1", phase.Escrow)
	if code := domainCode(t, err); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", code)
	}
}

func TestRequestTransitionRejectsLeavingClosed(t *testing.T) {
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleNegotiator),
		getCurrentPhaseFn: func(context.Context, string) (phase.Phase, error) {
			return phase.Closed, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.RequestTransition(context.Background(), Session{UserID: "usr_1"}, "txn_1", phase.Intake)
	if code := domainCode(t, err); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", code)
	}
}

func TestRequestTransitionRejectsUnknownPhase(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleNegotiator)}
	svc := newTestService(fs)

	_, err := svc.RequestTransition(context.Background(), Session{UserID: "usr_1"}, "txn_1", "warp-speed")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestPersistFailureDoesNotAdvanceSequence(t *testing.T) {
	fail := true
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleNegotiator),
		insertEventFn: func(context.Context, store.EventRecord) error {
			if fail {
				return errors.New("disk on fire")
			}
			return nil
		},
	}
	svc := newTestService(fs)
	session := Session{UserID: "usr_1"}

	if _, err := svc.RequestTransition(context.Background(), session, "txn_1", phase.OfferReview); err == nil {
		t.Fatal("expected persist error")
	}

	fail = false
	payload, err := svc.RequestTransition(context.Background(), session, "txn_1", phase.OfferReview)
	if err != nil {
		t.Fatalf("RequestTransition() retry error = %v", err)
	}
	if payload["sequence"] != int64(1) {
		t.Fatalf("failed publish must not burn a sequence number, got %v", payload["sequence"])
	}
}

func TestNonParticipantDenied(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.PostMessage(context.Background(), Session{UserID: "usr_outsider"}, "txn_1", "hello")
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestPostMessageRejectsEmptyBody(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleBuyer)}
	svc := newTestService(fs)

	_, err := svc.PostMessage(context.Background(), Session{UserID: "usr_1"}, "txn_1", "   ")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestListArtifactsFiltersPrivateFromOtherParticipants(t *testing.T) {
	artifacts := []store.Artifact{
		{ID: "art_shared", UploaderID: "usr_seller", Visibility: rbac.VisibilityShared},
		{ID: "art_private", UploaderID: "usr_seller", Visibility: rbac.VisibilityPrivate},
	}
	fs := &fakeStore{
		listArtifactsFn: func(context.Context, string) ([]store.Artifact, error) {
			return artifacts, nil
		},
	}
	svc := newTestService(fs)

	cases := []struct {
		name   string
		role   rbac.Role
		viewer string
		want   int
	}{
		{name: "buyer sees only shared", role: rbac.RoleBuyer, viewer: "usr_buyer", want: 1},
		{name: "uploader sees own private", role: rbac.RoleSeller, viewer: "usr_seller", want: 2},
		{name: "negotiator sees everything", role: rbac.RoleNegotiator, viewer: "usr_neg", want: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs.getParticipantRoleFn = roleFn(tc.role)
			items, err := svc.ListArtifacts(context.Background(), Session{UserID: tc.viewer}, "txn_1")
			if err != nil {
				t.Fatalf("ListArtifacts() error = %v", err)
			}
			if len(items) != tc.want {
				t.Fatalf("expected %d artifacts, got %d", tc.want, len(items))
			}
		})
	}
}

func TestSetArtifactVisibilityNegotiatorOnly(t *testing.T) {
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleSeller),
		getArtifactFn: func(context.Context, string) (store.Artifact, error) {
			return store.Artifact{ID: "art_1", TransactionID: "txn_1", Visibility: rbac.VisibilityPrivate}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SetArtifactVisibility(context.Background(), Session{UserID: "usr_1"}, "txn_1", "art_1", rbac.VisibilityShared)
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestSetArtifactVisibilityRejectsNoOp(t *testing.T) {
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleNegotiator),
		getArtifactFn: func(context.Context, string) (store.Artifact, error) {
			return store.Artifact{ID: "art_1", TransactionID: "txn_1", Visibility: rbac.VisibilityShared}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SetArtifactVisibility(context.Background(), Session{UserID: "usr_1"}, "txn_1", "art_1", rbac.VisibilityShared)
	if code := domainCode(t, err); code != "VISIBILITY_UNCHANGED" {
		t.Fatalf("expected VISIBILITY_UNCHANGED, got %s", code)
	}
}

func TestSetArtifactVisibilityCrossTransactionIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleNegotiator),
		getArtifactFn: func(context.Context, string) (store.Artifact, error) {
			return store.Artifact{ID: "art_1", TransactionID: "txn_other", Visibility: rbac.VisibilityPrivate}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SetArtifactVisibility(context.Background(), Session{UserID: "usr_1"}, "txn_1", "art_1", rbac.VisibilityShared)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestListEventsRedactsDeniedArtifacts(t *testing.T) {
	fs := &fakeStore{
		getParticipantRoleFn: roleFn(rbac.RoleBuyer),
		listEventsSinceFn: func(context.Context, string, int64) ([]store.EventRecord, error) {
			return []store.EventRecord{
				{
					TransactionID: "txn_1",
					Sequence:      1,
					Kind:          string(event.KindArtifactAdded),
					Payload:       []byte(`{"artifactId":"art_1","name":"Inspection","uploaderId":"usr_seller","visibility":"private"}`),
				},
				{
					TransactionID: "txn_1",
					Sequence:      2,
					Kind:          string(event.KindMessagePosted),
					Payload:       []byte(`{"messageId":"msg_1","authorId":"usr_seller","authorName":"Morgan","body":"hi"}`),
				},
			}, nil
		},
	}
	svc := newTestService(fs)

	events, err := svc.ListEvents(context.Background(), Session{UserID: "usr_buyer"}, "txn_1", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].Artifact.Redacted || events[0].Artifact.ArtifactID != "" {
		t.Fatalf("expected redacted artifact payload, got %+v", events[0].Artifact)
	}
	if events[0].Sequence != 1 {
		t.Fatalf("redaction must preserve sequence, got %d", events[0].Sequence)
	}
	if events[1].Message == nil || events[1].Message.Body != "hi" {
		t.Fatalf("message events must pass through, got %+v", events[1].Message)
	}
}

func TestAddArtifactWithoutStorageRejectsContent(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleSeller)}
	svc := newTestService(fs)

	_, err := svc.AddArtifact(context.Background(), Session{UserID: "usr_1"}, "txn_1", AddArtifactInput{
		Name:          "Deed",
		ContentBase64: "aGVsbG8=",
	})
	if code := domainCode(t, err); code != "STORAGE_UNAVAILABLE" {
		t.Fatalf("expected STORAGE_UNAVAILABLE, got %s", code)
	}
}

func TestAddArtifactRejectsUnknownVisibility(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleSeller)}
	svc := newTestService(fs)

	_, err := svc.AddArtifact(context.Background(), Session{UserID: "usr_1"}, "txn_1", AddArtifactInput{
		Name:       "Deed",
		Visibility: "secret",
	})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}
