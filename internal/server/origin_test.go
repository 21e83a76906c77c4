package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigins(t *testing.T) {
	origins, allowAll := normalizeOrigins([]string{
		" HTTP://Example.COM ",
		"https://chat.example:8443",
		"not a url",
		"",
		"*",
	}, zerolog.Nop())

	assert.True(t, allowAll)
	assert.Equal(t, []string{"http://example.com", "https://chat.example:8443"}, origins)

	origins, allowAll = normalizeOrigins(nil, zerolog.Nop())
	assert.Nil(t, origins)
	assert.False(t, allowAll)
}

// TestOriginPolicy verifies which Origin headers may open a websocket.
func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://localhost:8080"}, zerolog.Nop())

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "exact match", origin: "http://localhost:8080", allowed: true},
		{name: "case insensitive", origin: "HTTP://LOCALHOST:8080", allowed: true},
		{name: "path ignored", origin: "http://localhost:8080/chat", allowed: true},
		{name: "other port", origin: "http://localhost:9090", allowed: false},
		{name: "other scheme", origin: "https://localhost:8080", allowed: false},
		{name: "missing", origin: "", allowed: false},
		{name: "garbage", origin: "::::", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.allowed, policy.checkOrigin(req))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Origin", "https://anywhere.example")
	assert.True(t, policy.isAllowed(req))

	req.Header.Del("Origin")
	assert.False(t, policy.isAllowed(req), "a wildcard still requires an Origin header")
}
