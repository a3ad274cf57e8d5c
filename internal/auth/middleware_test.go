package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireToken("s3cret-token", nil)(ok)

	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    int
	}{
		{
			name:    "allows request with valid Bearer token",
			headers: map[string]string{"Authorization": "Bearer s3cret-token"},
			want:    http.StatusOK,
		},
		{
			name:    "accepts a lowercase scheme",
			headers: map[string]string{"Authorization": "bearer   s3cret-token "},
			want:    http.StatusOK,
		},
		{
			name: "rejects request without Authorization header",
			want: http.StatusUnauthorized,
		},
		{
			name:    "rejects request with invalid Authorization format",
			headers: map[string]string{"Authorization": "InvalidFormat"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "rejects wrong auth scheme",
			headers: map[string]string{"Authorization": "Basic s3cret-token"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "rejects wrong token",
			headers: map[string]string{"Authorization": "Bearer guess"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "rejects empty token",
			headers: map[string]string{"Authorization": "Bearer "},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "accepts query token on WebSocket upgrade",
			target:  "/api/v1/ws?token=s3cret-token",
			headers: map[string]string{"Upgrade": "websocket"},
			want:    http.StatusOK,
		},
		{
			name:   "ignores query token on plain requests",
			target: "/api/v1/messages?token=s3cret-token",
			want:   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target
			if target == "" {
				target = "/test"
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRequireToken_DisabledWithoutToken(t *testing.T) {
	called := false
	handler := RequireToken("", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.True(t, called)
}

func TestValidateToken(t *testing.T) {
	assert.NoError(t, ValidateToken("abc", "abc"))
	assert.Error(t, ValidateToken("abd", "abc"))
	assert.Error(t, ValidateToken("", "abc"))
}
