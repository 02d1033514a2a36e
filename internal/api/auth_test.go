package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AaronLay10/SentientTrips/internal/config"
)

func okHandler(called *bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}
}

func TestAuthDisabledWithoutCredentials(t *testing.T) {
	InitAuth(&config.Secrets{})
	defer InitAuth(nil)

	if IsAuthEnabled() {
		t.Error("auth should be disabled when no credentials are set")
	}

	called := false
	handler := RequireOperator(okHandler(&called))

	req := httptest.NewRequest("GET", "/events", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if !called {
		t.Error("handler should be called when auth is disabled")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestAuthDisabledWithOnlyUser(t *testing.T) {
	InitAuth(&config.Secrets{OperatorUser: "operator"})
	defer InitAuth(nil)

	if IsAuthEnabled() {
		t.Error("auth should need both user and password")
	}
}

func TestAuthEnabledRequiresCredentials(t *testing.T) {
	InitAuth(&config.Secrets{OperatorUser: "operator", OperatorPass: "opsecret"})
	defer InitAuth(nil)

	if !IsAuthEnabled() {
		t.Fatal("auth should be enabled")
	}

	called := false
	handler := RequireOperator(okHandler(&called))

	req := httptest.NewRequest("GET", "/events", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if called {
		t.Error("handler should NOT be called without credentials")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
}

func TestValidOperatorCredentials(t *testing.T) {
	InitAuth(&config.Secrets{OperatorUser: "operator", OperatorPass: "opsecret"})
	defer InitAuth(nil)

	called := false
	handler := RequireOperator(okHandler(&called))

	req := httptest.NewRequest("GET", "/events", nil)
	req.SetBasicAuth("operator", "opsecret")
	w := httptest.NewRecorder()
	handler(w, req)

	if !called {
		t.Error("handler should be called with valid credentials")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestInvalidCredentialsRejected(t *testing.T) {
	InitAuth(&config.Secrets{OperatorUser: "operator", OperatorPass: "opsecret"})
	defer InitAuth(nil)

	tests := []struct {
		name string
		user string
		pass string
	}{
		{"wrong password", "operator", "wrong"},
		{"wrong user", "admin", "opsecret"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := RequireOperator(okHandler(&called))

			req := httptest.NewRequest("GET", "/events", nil)
			req.SetBasicAuth(tt.user, tt.pass)
			w := httptest.NewRecorder()
			handler(w, req)

			if called {
				t.Error("handler should NOT be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", w.Code)
			}
		})
	}
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b     string
		expected bool
	}{
		{"secret", "secret", true},
		{"secret", "Secret", false},
		{"secret", "secret1", false},
		{"", "", true},
		{"a", "", false},
	}

	for _, tt := range tests {
		if got := secureCompare(tt.a, tt.b); got != tt.expected {
			t.Errorf("secureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expected)
		}
	}
}
