package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractTokenPrefersAuthorizationHeader(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws/proxies?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")

	if got := extractToken(r); got != "header-token" {
		t.Fatalf("expected header-token, got %q", got)
	}
}

func TestExtractTokenIsCaseInsensitiveToBearerPrefix(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws/proxies", nil)
	r.Header.Set("Authorization", "bearer lower-case-token")

	if got := extractToken(r); got != "lower-case-token" {
		t.Fatalf("expected lower-case-token, got %q", got)
	}
}

func TestExtractTokenFallsBackToQueryParam(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws/proxies?token=query-token", nil)
	if got := extractToken(r); got != "query-token" {
		t.Fatalf("expected query-token, got %q", got)
	}
}

func TestExtractTokenEmptyWhenNeitherPresent(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws/proxies", nil)
	if got := extractToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
