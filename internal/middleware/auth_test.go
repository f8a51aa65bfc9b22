package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var testSecret = []byte("01234567890123456789012345678901")

func TestRequireOperatorAuthValidToken(t *testing.T) {
	token, _, err := GenerateOperatorToken(testSecret, "provider-1")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var seen string
	handler := RequireOperatorAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ProviderIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if seen != "provider-1" {
		t.Fatalf("expected provider-1 in context, got %q", seen)
	}
}

func TestRequireOperatorAuthMissingHeader(t *testing.T) {
	handler := RequireOperatorAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireOperatorAuthMalformedHeader(t *testing.T) {
	handler := RequireOperatorAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	req.Header.Set("Authorization", "Basic abc123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireOperatorAuthWrongSecret(t *testing.T) {
	token, _, err := GenerateOperatorToken(testSecret, "provider-1")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	handler := RequireOperatorAuth([]byte("different-secret-different-secret"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestProviderIDFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := ProviderIDFromContext(req.Context()); got != "" {
		t.Fatalf("expected empty provider id, got %q", got)
	}
}
