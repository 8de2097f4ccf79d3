package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/welldanyogia/sse-gateway/internal/auth"
	appctx "github.com/welldanyogia/sse-gateway/internal/context"
	"pgregory.net/rapid"
)

// Test configuration for property tests
func newTestTokenService() *auth.TokenService {
	return auth.NewTokenService(auth.TokenServiceConfig{
		Secret: "test-access-secret-key-32-chars!",
		Expiry: 15 * time.Minute,
		Issuer: "test-issuer",
	})
}

// principalHandler records the principal it was called with
func principalHandler() (http.Handler, *string, *bool) {
	var principal string
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		principal, _ = appctx.ExtractPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return handler, &principal, &called
}

// Property 7: Missing token is anonymous
// *For any* request without credentials, Optional passes it through as anonymous.
func TestProperty7_MissingTokenIsAnonymous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := "/" + rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "path")
		method := rapid.SampledFrom([]string{"GET", "POST"}).Draw(t, "method")

		mw := NewAuthMiddleware(newTestTokenService())
		handler, principal, called := principalHandler()

		req := httptest.NewRequest(method, path, nil)
		rec := httptest.NewRecorder()
		mw.Optional(handler).ServeHTTP(rec, req)

		if !*called {
			t.Fatal("handler should be called without a token")
		}
		if *principal != appctx.AnonymousPrincipal {
			t.Errorf("expected anonymous principal, got %q", *principal)
		}
	})
}

// Property 8: Invalid token returns 401
// *For any* malformed, foreign or wrongly-prefixed token, the request is rejected
// with AUTH_TOKEN_INVALID and the handler is not called.
func TestProperty8_InvalidTokenReturns401(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mw := NewAuthMiddleware(newTestTokenService())
		handler, _, called := principalHandler()

		var authHeader string
		switch rapid.IntRange(0, 4).Draw(t, "invalidTokenType") {
		case 0:
			authHeader = "Bearer " + rapid.StringMatching(`[a-zA-Z0-9]{20,50}`).Draw(t, "randomToken")
		case 1:
			authHeader = rapid.StringMatching(`[a-zA-Z0-9]{20,50}`).Draw(t, "tokenWithoutBearer")
		case 2:
			authHeader = "Bearer "
		case 3:
			authHeader = "Basic " + rapid.StringMatching(`[a-zA-Z0-9]{20,50}`).Draw(t, "basicToken")
		case 4:
			wrong := auth.NewTokenService(auth.TokenServiceConfig{
				Secret: "wrong-secret-key-that-is-32char!",
				Issuer: "test-issuer",
			})
			token, _ := wrong.GenerateAccessToken(rapid.StringMatching(`[a-z]{4,12}`).Draw(t, "principal"))
			authHeader = "Bearer " + token
		}

		req := httptest.NewRequest("GET", "/sse-gateway/connect", nil)
		req.Header.Set("Authorization", authHeader)
		rec := httptest.NewRecorder()
		mw.Optional(handler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
		if *called {
			t.Error("handler should not be called for an invalid token")
		}

		var response ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if response.Error.Code != "AUTH_TOKEN_INVALID" || response.Success {
			t.Errorf("unexpected error response %+v", response)
		}
	})
}

func TestOptional_ValidTokenSetsPrincipal(t *testing.T) {
	svc := newTestTokenService()
	mw := NewAuthMiddleware(svc)

	token, err := svc.GenerateAccessToken("alice")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	for _, viaQuery := range []bool{false, true} {
		handler, principal, _ := principalHandler()
		req := httptest.NewRequest("GET", "/sse-gateway/listen/c1", nil)
		if viaQuery {
			req = httptest.NewRequest("GET", "/sse-gateway/listen/c1?token="+token, nil)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		mw.Optional(handler).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if *principal != "alice" {
			t.Errorf("viaQuery=%v: expected principal alice, got %q", viaQuery, *principal)
		}
	}
}

func TestOptional_NoSecretIsAnonymous(t *testing.T) {
	mw := NewAuthMiddleware(auth.NewTokenService(auth.TokenServiceConfig{}))
	handler, principal, _ := principalHandler()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	mw.Optional(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || *principal != appctx.AnonymousPrincipal {
		t.Errorf("expected anonymous pass-through, got status %d principal %q", rec.Code, *principal)
	}
}

func TestAuthenticate_MissingToken(t *testing.T) {
	mw := NewAuthMiddleware(newTestTokenService())
	handler, _, called := principalHandler()

	rec := httptest.NewRecorder()
	mw.Authenticate(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/sse-gateway/publish/job", nil))

	if rec.Code != http.StatusUnauthorized || *called {
		t.Fatalf("expected 401 without calling handler, got %d", rec.Code)
	}
	var response ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &response)
	if response.Error.Code != "AUTH_TOKEN_MISSING" {
		t.Errorf("expected AUTH_TOKEN_MISSING, got %s", response.Error.Code)
	}
}
