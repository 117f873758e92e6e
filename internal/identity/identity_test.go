package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, req *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var key string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		key = Key(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return key, rec
}

func TestMiddlewareIssuesCookie(t *testing.T) {
	t.Parallel()

	key, rec := serve(t, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || !isValidAnonID(cookies[0].Value) {
		t.Fatalf("cookies = %+v", cookies)
	}
	if key != cookies[0].Value+"/"+DefaultSessionIDValue {
		t.Fatalf("key = %q", key)
	}
}

func TestMiddlewareReusesCookieAndSession(t *testing.T) {
	t.Parallel()

	id := "anon_" + strings.Repeat("ab", 16)
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-1")

	key, _ := serve(t, req)
	if key != id+"/tab-1" {
		t.Fatalf("key = %q", key)
	}
}

func TestSessionIDSanitized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"tab-1", "tab-1"},
		{"  tab.2  ", "tab.2"},
		{"", DefaultSessionIDValue},
		{"../etc", DefaultSessionIDValue},
		{strings.Repeat("a", 129), DefaultSessionIDValue},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSessionIDFromQuery(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/ws/chat?session_id=tab-9", nil)
	if got := sessionIDFromRequest(req); got != "tab-9" {
		t.Fatalf("session id = %q", got)
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	if got := IPFromRequest(req); got != "203.0.113.7" {
		t.Fatalf("IPFromRequest = %q", got)
	}
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := IPFromRequest(req); got != "2001:db8::1" {
		t.Fatalf("IPFromRequest = %q", got)
	}
	req.RemoteAddr = "203.0.113.7"
	if got := IPFromRequest(req); got != "203.0.113.7" {
		t.Fatalf("IPFromRequest without port = %q", got)
	}
}
