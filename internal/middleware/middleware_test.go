package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims jwt.MapClaims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTAndRoles(t *testing.T) {
	t.Parallel()

	valid := jwt.MapClaims{"id": "user-1", "role": "arbitrator", "exp": time.Now().Add(time.Hour).Unix()}
	tests := []struct {
		name   string
		header string
		roles  []string
		want   int
	}{
		{name: "missing", header: "", roles: []string{"arbitrator"}, want: http.StatusUnauthorized},
		{name: "wrong_key", header: "Bearer " + sign(t, valid, []byte("other")), roles: []string{"arbitrator"}, want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, jwt.MapClaims{"id": "u", "exp": time.Now().Add(-time.Hour).Unix()}, secret), roles: []string{"arbitrator"}, want: http.StatusUnauthorized},
		{name: "no_id", header: "Bearer " + sign(t, jwt.MapClaims{"role": "admin"}, secret), roles: []string{"admin"}, want: http.StatusUnauthorized},
		{name: "role_denied", header: "Bearer " + sign(t, valid, secret), roles: []string{"admin"}, want: http.StatusForbidden},
		{name: "ok", header: "Bearer " + sign(t, valid, secret), roles: []string{"admin", "arbitrator"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := JWT(secret)(RequireRoles(tt.roles...)(func(c echo.Context) error {
				if c.Get("user_id") != "user-1" {
					t.Errorf("user_id %v", c.Get("user_id"))
				}
				return c.NoContent(http.StatusOK)
			}))
			if err := h(c); err != nil {
				t.Fatalf("handler: %v", err)
			}
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
