package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"closeline/api/internal/auth"
	"closeline/api/internal/authpw"
	"closeline/api/internal/blob"
	"closeline/api/internal/config"
	"closeline/api/internal/event"
	"closeline/api/internal/phase"
	"closeline/api/internal/rbac"
	"closeline/api/internal/search"
	"closeline/api/internal/store"
	"closeline/api/internal/stream"
	"closeline/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type AddArtifactInput struct {
	Name          string `json:"name"`
	Note          string `json:"note"`
	Visibility    string `json:"visibility"`
	ContentBase64 string `json:"contentBase64"`
	ContentType   string `json:"contentType"`
}

const maxMessageLength = 4000

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	CreateTransaction(context.Context, store.Transaction) error
	GetTransaction(context.Context, string) (store.Transaction, error)
	ListTransactionsForUser(context.Context, string) ([]store.Transaction, error)
	GetCurrentPhase(context.Context, string) (phase.Phase, error)
	SetPhase(context.Context, string, phase.Phase) error
	CountTransactions(context.Context) (int, error)
	AddParticipant(context.Context, store.Participant) error
	GetParticipantRole(context.Context, string, string) (rbac.Role, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	InsertArtifact(context.Context, store.Artifact) error
	GetArtifact(context.Context, string) (store.Artifact, error)
	SetArtifactVisibility(context.Context, string, rbac.Visibility) error
	ListArtifacts(context.Context, string) ([]store.Artifact, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, int) ([]store.Message, error)
	InsertEvent(context.Context, store.EventRecord) error
	ListEventsSince(context.Context, string, int64) ([]store.EventRecord, error)
	MaxSequence(context.Context, string) (int64, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis when configured, the
// Postgres store otherwise.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type blobStore interface {
	Put(ctx context.Context, objectKey string, content io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	hub      *stream.Hub
	passwd   *authpw.Service
	search   *search.Service
	blobs    blobStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, hub *stream.Hub, passwd *authpw.Service, searchSvc *search.Service, blobs *blob.Store) *Service {
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		hub:    hub,
		passwd: passwd,
		search: searchSvc,
	}
	if sessions != nil {
		svc.sessions = sessions
	} else {
		svc.sessions = dataStore
	}
	if blobs != nil {
		svc.blobs = blobs
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.passwd
}

// Auth and sessions

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	if s.passwd == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.passwd.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.passwd == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.passwd.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ViewerFromToken resolves the identity behind a token for connections
// that authenticate after the HTTP upgrade.
func (s *Service) ViewerFromToken(ctx context.Context, token string) (userID, userName string, err error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", "", err
	}
	return session.UserID, session.UserName, nil
}

// participantRole resolves the caller's role in a transaction. A user
// with no participant row gets PERMISSION_DENIED, which also covers
// unknown transaction ids without leaking whether they exist.
func (s *Service) participantRole(ctx context.Context, transactionID, userID string) (rbac.Role, error) {
	role, err := s.store.GetParticipantRole(ctx, transactionID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusForbidden, "PERMISSION_DENIED", "Not a participant of this transaction", nil)
	}
	if err != nil {
		return "", err
	}
	if !rbac.Valid(role) {
		return "", domainError(http.StatusForbidden, "PERMISSION_DENIED", "Not a participant of this transaction", nil)
	}
	return role, nil
}

// ParticipantRole is the exported variant used by the live connection
// layer when it authorizes subscriptions.
func (s *Service) ParticipantRole(ctx context.Context, transactionID, userID string) (rbac.Role, error) {
	return s.participantRole(ctx, transactionID, userID)
}

// Transactions

func (s *Service) CreateTransaction(ctx context.Context, session Session, propertyAddr string) (map[string]any, error) {
	propertyAddr = strings.TrimSpace(propertyAddr)
	if propertyAddr == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "propertyAddr is required", nil)
	}

	txn := store.Transaction{
		ID:           util.NewID("txn"),
		PropertyAddr: propertyAddr,
		Phase:        phase.Intake,
		CreatedBy:    session.UserID,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := s.store.AddParticipant(ctx, store.Participant{
		TransactionID: txn.ID,
		UserID:        session.UserID,
		Role:          rbac.RoleNegotiator,
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":           txn.ID,
		"propertyAddr": txn.PropertyAddr,
		"phase":        txn.Phase,
		"createdBy":    txn.CreatedBy,
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, session Session) ([]map[string]any, error) {
	transactions, err := s.store.ListTransactionsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(transactions))
	for _, txn := range transactions {
		items = append(items, map[string]any{
			"id":           txn.ID,
			"propertyAddr": txn.PropertyAddr,
			"phase":        txn.Phase,
			"createdAt":    txn.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) GetTransaction(ctx context.Context, session Session, transactionID string) (map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	seq, err := s.hub.CurrentSequence(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	people := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		people = append(people, map[string]any{
			"userId":      p.UserID,
			"displayName": p.DisplayName,
			"role":        p.Role,
		})
	}
	return map[string]any{
		"id":              txn.ID,
		"propertyAddr":    txn.PropertyAddr,
		"phase":           txn.Phase,
		"phaseSequence":   phase.Sequence,
		"createdBy":       txn.CreatedBy,
		"createdAt":       txn.CreatedAt,
		"participants":    people,
		"yourRole":        role,
		"currentSequence": seq,
	}, nil
}

func (s *Service) AddParticipant(ctx context.Context, session Session, transactionID, email string, role rbac.Role) (map[string]any, error) {
	callerRole, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(callerRole, rbac.ActionManageParticipants) {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Only the negotiator can manage participants", nil)
	}
	if !rbac.Valid(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", nil)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No account with that email", nil)
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.AddParticipant(ctx, store.Participant{
		TransactionID: transactionID,
		UserID:        user.ID,
		Role:          role,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":      user.ID,
		"displayName": user.DisplayName,
		"role":        role,
	}, nil
}

// RequestTransition moves a transaction to a new lifecycle phase. Only
// the negotiator may do this; the resulting event is serialized onto
// the transaction timeline by the hub.
func (s *Service) RequestTransition(ctx context.Context, session Session, transactionID string, target phase.Phase) (map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionChangePhase) {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Only the negotiator can change the phase", nil)
	}

	current, err := s.store.GetCurrentPhase(ctx, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Transaction not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if err := phase.Validate(current, target); err != nil {
		switch {
		case errors.Is(err, phase.ErrUnknownPhase):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		default:
			return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), map[string]any{
				"from": current,
				"to":   target,
			})
		}
	}

	evt, err := s.hub.Publish(ctx, transactionID, func(seq int64) (event.Event, error) {
		if err := s.store.SetPhase(ctx, transactionID, target); err != nil {
			return event.Event{}, err
		}
		evt := event.NewPhaseChanged(transactionID, current, target, session.UserID)
		if err := s.persistEvent(ctx, evt, seq); err != nil {
			return event.Event{}, err
		}
		return evt, nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"from":     current,
		"to":       target,
		"sequence": evt.Sequence,
	}, nil
}

// Artifacts

func (s *Service) AddArtifact(ctx context.Context, session Session, transactionID string, input AddArtifactInput) (map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionUpload) {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Forbidden", nil)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	visibility := rbac.Visibility(input.Visibility)
	if visibility == "" {
		visibility = rbac.VisibilityShared
	}
	if !rbac.ValidVisibility(visibility) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be shared or private", nil)
	}

	artifact := store.Artifact{
		ID:            util.NewID("art"),
		TransactionID: transactionID,
		UploaderID:    session.UserID,
		Name:          name,
		Note:          strings.TrimSpace(input.Note),
		Visibility:    visibility,
	}

	if input.ContentBase64 != "" {
		if s.blobs == nil {
			return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage not configured", nil)
		}
		content, err := base64.StdEncoding.DecodeString(input.ContentBase64)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contentBase64 is not valid base64", nil)
		}
		artifact.ObjectKey = transactionID + "/" + artifact.ID
		if err := s.blobs.Put(ctx, artifact.ObjectKey, bytes.NewReader(content), int64(len(content)), input.ContentType); err != nil {
			return nil, err
		}
	}

	evt, err := s.hub.Publish(ctx, transactionID, func(seq int64) (event.Event, error) {
		if err := s.store.InsertArtifact(ctx, artifact); err != nil {
			return event.Event{}, err
		}
		evt := event.NewArtifactAdded(transactionID, event.ArtifactPayload{
			ArtifactID: artifact.ID,
			Name:       artifact.Name,
			UploaderID: artifact.UploaderID,
			Note:       artifact.Note,
			Visibility: artifact.Visibility,
			ObjectKey:  artifact.ObjectKey,
		})
		if err := s.persistEvent(ctx, evt, seq); err != nil {
			return event.Event{}, err
		}
		return evt, nil
	})
	if err != nil {
		return nil, err
	}

	if s.search != nil && artifact.Visibility == rbac.VisibilityShared {
		s.search.IndexArtifact(search.ArtifactRecord{
			ID:            artifact.ID,
			Name:          artifact.Name,
			Note:          artifact.Note,
			TransactionID: transactionID,
		})
	}

	return map[string]any{
		"id":         artifact.ID,
		"name":       artifact.Name,
		"note":       artifact.Note,
		"visibility": artifact.Visibility,
		"uploaderId": artifact.UploaderID,
		"sequence":   evt.Sequence,
	}, nil
}

func (s *Service) SetArtifactVisibility(ctx context.Context, session Session, transactionID, artifactID string, visibility rbac.Visibility) (map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionSetVisibility) {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Only the negotiator can change artifact visibility", nil)
	}
	if !rbac.ValidVisibility(visibility) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be shared or private", nil)
	}

	artifact, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if artifact.TransactionID != transactionID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	if artifact.Visibility == visibility {
		return nil, domainError(http.StatusConflict, "VISIBILITY_UNCHANGED", "Artifact already has that visibility", nil)
	}

	evt, err := s.hub.Publish(ctx, transactionID, func(seq int64) (event.Event, error) {
		if err := s.store.SetArtifactVisibility(ctx, artifactID, visibility); err != nil {
			return event.Event{}, err
		}
		evt := event.NewArtifactVisibilityChanged(transactionID, event.ArtifactPayload{
			ArtifactID: artifact.ID,
			Name:       artifact.Name,
			UploaderID: artifact.UploaderID,
			Note:       artifact.Note,
			Visibility: visibility,
			ObjectKey:  artifact.ObjectKey,
		})
		if err := s.persistEvent(ctx, evt, seq); err != nil {
			return event.Event{}, err
		}
		return evt, nil
	})
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		if visibility == rbac.VisibilityShared {
			s.search.IndexArtifact(search.ArtifactRecord{
				ID:            artifact.ID,
				Name:          artifact.Name,
				Note:          artifact.Note,
				TransactionID: transactionID,
			})
		} else {
			s.search.DeleteArtifact(artifact.ID)
		}
	}

	return map[string]any{
		"id":         artifact.ID,
		"visibility": visibility,
		"sequence":   evt.Sequence,
	}, nil
}

func (s *Service) ListArtifacts(ctx context.Context, session Session, transactionID string) ([]map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(artifacts))
	for _, artifact := range artifacts {
		if !rbac.CanViewArtifact(role, session.UserID, artifact.UploaderID, artifact.Visibility) {
			continue
		}
		items = append(items, map[string]any{
			"id":         artifact.ID,
			"name":       artifact.Name,
			"note":       artifact.Note,
			"visibility": artifact.Visibility,
			"uploaderId": artifact.UploaderID,
			"hasContent": artifact.ObjectKey != "",
			"createdAt":  artifact.CreatedAt,
		})
	}
	return items, nil
}

// ArtifactDownloadURL hands out a short-lived URL for artifact content
// after the visibility policy allows the viewer.
func (s *Service) ArtifactDownloadURL(ctx context.Context, session Session, transactionID, artifactID string) (map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	artifact, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if artifact.TransactionID != transactionID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	if !rbac.CanViewArtifact(role, session.UserID, artifact.UploaderID, artifact.Visibility) {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Forbidden", nil)
	}
	if artifact.ObjectKey == "" || s.blobs == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact has no stored content", nil)
	}

	const ttl = 15 * time.Minute
	url, err := s.blobs.PresignGet(ctx, artifact.ObjectKey, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":       url,
		"expiresIn": int(ttl.Seconds()),
	}, nil
}

// Messages

func (s *Service) PostMessage(ctx context.Context, session Session, transactionID, body string) (map[string]any, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionMessage) {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Forbidden", nil)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if len(body) > maxMessageLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is too long", nil)
	}

	message := store.Message{
		ID:            util.NewID("msg"),
		TransactionID: transactionID,
		AuthorID:      session.UserID,
		AuthorName:    session.UserName,
		Body:          body,
	}

	evt, err := s.hub.Publish(ctx, transactionID, func(seq int64) (event.Event, error) {
		if err := s.store.InsertMessage(ctx, message); err != nil {
			return event.Event{}, err
		}
		evt := event.NewMessagePosted(transactionID, event.MessagePayload{
			MessageID:  message.ID,
			AuthorID:   message.AuthorID,
			AuthorName: message.AuthorName,
			Body:       message.Body,
		})
		if err := s.persistEvent(ctx, evt, seq); err != nil {
			return event.Event{}, err
		}
		return evt, nil
	})
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:            message.ID,
			Body:          message.Body,
			AuthorName:    message.AuthorName,
			TransactionID: transactionID,
		})
	}

	return map[string]any{
		"id":       message.ID,
		"body":     message.Body,
		"authorId": message.AuthorID,
		"sequence": evt.Sequence,
	}, nil
}

func (s *Service) ListMessages(ctx context.Context, session Session, transactionID string, limit int) ([]map[string]any, error) {
	if _, err := s.participantRole(ctx, transactionID, session.UserID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, transactionID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]any{
			"id":         m.ID,
			"body":       m.Body,
			"authorId":   m.AuthorID,
			"authorName": m.AuthorName,
			"createdAt":  m.CreatedAt,
		})
	}
	return items, nil
}

// Events

// ListEvents replays the persisted timeline after a sequence number,
// redacted for the caller. Clients use it to repair gaps.
func (s *Service) ListEvents(ctx context.Context, session Session, transactionID string, since int64) ([]event.Event, error) {
	role, err := s.participantRole(ctx, transactionID, session.UserID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListEventsSince(ctx, transactionID, since)
	if err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(records))
	for _, record := range records {
		evt, err := event.Decode(event.Kind(record.Kind), record.TransactionID, record.Sequence, record.CreatedAt, record.Payload)
		if err != nil {
			return nil, err
		}
		events = append(events, evt.RedactFor(role, session.UserID))
	}
	return events, nil
}

// EventsSince replays the raw timeline. Callers are responsible for
// per-viewer redaction; the HTTP path goes through ListEvents instead.
func (s *Service) EventsSince(ctx context.Context, transactionID string, since int64) ([]event.Event, error) {
	records, err := s.store.ListEventsSince(ctx, transactionID, since)
	if err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(records))
	for _, record := range records {
		evt, err := event.Decode(event.Kind(record.Kind), record.TransactionID, record.Sequence, record.CreatedAt, record.Payload)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *Service) persistEvent(ctx context.Context, evt event.Event, seq int64) error {
	payload, err := json.Marshal(evt.Payload())
	if err != nil {
		return err
	}
	return s.store.InsertEvent(ctx, store.EventRecord{
		TransactionID: evt.TransactionID,
		Sequence:      seq,
		Kind:          string(evt.Kind),
		Payload:       payload,
	})
}

// Search

func (s *Service) Search(ctx context.Context, session Session, transactionID, query, filterType string, limit, offset int) (search.Response, error) {
	if _, err := s.participantRole(ctx, transactionID, session.UserID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	resultType := search.ResultType(filterType)
	if filterType != "" && resultType != search.ResultArtifact && resultType != search.ResultMessage {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be artifact or message", nil)
	}
	return s.search.Search(search.Query{
		Text:          query,
		TransactionID: transactionID,
		FilterType:    resultType,
		Limit:         limit,
		Offset:        offset,
	}), nil
}

// Bootstrap seeds a demo transaction on an empty database so a fresh
// deployment has something to show.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountTransactions(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if s.passwd == nil {
		return nil
	}

	seeds := []struct {
		Email string
		Name  string
		Role  rbac.Role
	}{
		{Email: "avery@closeline.dev", Name: "Avery", Role: rbac.RoleNegotiator},
		{Email: "morgan@closeline.dev", Name: "Morgan", Role: rbac.RoleSeller},
		{Email: "jules@closeline.dev", Name: "Jules", Role: rbac.RoleBuyer},
	}

	txn := store.Transaction{
		ID:           util.NewID("txn"),
		PropertyAddr: "412 Harbor Lane",
		Phase:        phase.Intake,
	}
	for i, seed := range seeds {
		user, err := s.passwd.SignUp(ctx, authpw.SignUpRequest{
			Email:       seed.Email,
			Password:    "closeline-demo",
			DisplayName: seed.Name,
		})
		if err != nil {
			existing, lookupErr := s.store.GetUserByEmail(ctx, seed.Email)
			if lookupErr != nil {
				return err
			}
			user = existing
		}
		if i == 0 {
			txn.CreatedBy = user.ID
			if err := s.store.CreateTransaction(ctx, txn); err != nil {
				return err
			}
		}
		if err := s.store.AddParticipant(ctx, store.Participant{
			TransactionID: txn.ID,
			UserID:        user.ID,
			Role:          seed.Role,
		}); err != nil {
			return err
		}
	}
	return nil
}
