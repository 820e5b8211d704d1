// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func protectedHandler(token string) (http.Handler, *bool) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	return AdminTokenAuth(token, discardLogger())(next), &called
}

func TestAdminTokenAuthMissingConfig(t *testing.T) {
	h, called := protectedHandler("")

	req := httptest.NewRequest(http.MethodPost, "/recovery/run", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if *called {
		t.Fatal("handler must not run without configured token")
	}
}

func TestAdminTokenAuthMissingHeader(t *testing.T) {
	h, called := protectedHandler("secret")

	req := httptest.NewRequest(http.MethodPost, "/recovery/run", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatal("expected WWW-Authenticate challenge")
	}
	if *called {
		t.Fatal("handler must not run without token")
	}
}

func TestAdminTokenAuthWrongToken(t *testing.T) {
	h, called := protectedHandler("secret")

	req := httptest.NewRequest(http.MethodPost, "/recovery/run", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if *called {
		t.Fatal("handler must not run with wrong token")
	}
}

func TestAdminTokenAuthValidToken(t *testing.T) {
	h, called := protectedHandler("secret")

	req := httptest.NewRequest(http.MethodPost, "/recovery/run", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !*called {
		t.Fatal("expected handler to run")
	}
}

func TestBearerToken(t *testing.T) {
	if _, ok := bearerToken(""); ok {
		t.Fatal("empty header must not parse")
	}
	if _, ok := bearerToken("Basic abc"); ok {
		t.Fatal("non-bearer scheme must not parse")
	}
	if _, ok := bearerToken("Bearer "); ok {
		t.Fatal("empty token must not parse")
	}
	if tok, ok := bearerToken("bearer secret"); !ok || tok != "secret" {
		t.Fatalf("case-insensitive scheme should parse, got %q ok=%v", tok, ok)
	}
}
