package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"closeline/api/internal/auth"
	"closeline/api/internal/rbac"
)

func newTestHTTPServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "*")
}

func issueTestToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "usr_1",
		Name: "Avery",
		JTI:  "jti_1",
		Exp:  time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeResponse(t, rec); body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transactions", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeResponse(t, rec); body["code"] != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %v", body["code"])
	}
}

func TestSessionProbeWithoutToken(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeResponse(t, rec); body["authenticated"] != false {
		t.Fatalf("expected authenticated=false, got %v", body)
	}
}

func TestPhaseChangeOverHTTP(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleNegotiator)}
	server := newTestHTTPServer(fs)
	token := issueTestToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/txn_1/phase", strings.NewReader(`{"target":"offer-review"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if body["to"] != "offer-review" || body["sequence"] != float64(1) {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestPhaseChangeDeniedOverHTTP(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleBuyer)}
	server := newTestHTTPServer(fs)
	token := issueTestToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/txn_1/phase", strings.NewReader(`{"target":"offer-review"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeResponse(t, rec); body["code"] != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %v", body["code"])
	}
}

func TestInvalidTransitionOverHTTP(t *testing.T) {
	fs := &fakeStore{getParticipantRoleFn: roleFn(rbac.RoleNegotiator)}
	server := newTestHTTPServer(fs)
	token := issueTestToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/txn_1/phase", strings.NewReader(`{"target":"intake"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if body["code"] != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %v", body["code"])
	}
	if body["details"] == nil {
		t.Fatalf("expected from/to details, got %v", body)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{getParticipantRoleFn: roleFn(rbac.RoleBuyer)})
	token := issueTestToken(t)

	req := httptest.NewRequest(http.MethodGet, "/api/transactions/txn_1/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
