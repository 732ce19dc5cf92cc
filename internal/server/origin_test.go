package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{" https://Draw.Example.com ", "", "not a url", "http://localhost:3000"}, zap.NewNop())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact", "https://draw.example.com", true},
		{"mixed case", "HTTPS://DRAW.EXAMPLE.COM", true},
		{"other port", "http://localhost:3000", true},
		{"wrong scheme", "http://draw.example.com", false},
		{"unknown host", "https://evil.example.com", false},
		{"missing", "", false},
		{"garbage", "::::", false},
		{"invalid entry not allowed", "not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, p.check(r))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	p := newOriginPolicy([]string{"*"}, zap.NewNop())

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	assert.True(t, p.allows(r))

	r.Header.Del("Origin")
	assert.False(t, p.allows(r), "a wildcard still requires an origin header")
}

func TestOriginPolicyEmpty(t *testing.T) {
	p := newOriginPolicy(nil, zap.NewNop())
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	assert.False(t, p.allows(r))
}
