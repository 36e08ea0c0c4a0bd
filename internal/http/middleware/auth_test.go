package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/platform/logger"
)

func authRouter(t *testing.T, capture *uuid.UUID) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	am := NewAuthMiddleware(logger.NewNop())
	r.GET("/api/jobs", am.RequireUser(), func(c *gin.Context) {
		*capture = UserID(c)
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequireUserAcceptsHeaderIdentity(t *testing.T) {
	var got uuid.UUID
	r := authRouter(t, &got)
	want := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-User-Id", want.String())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got != want {
		t.Fatalf("resolved user = %s, want %s", got, want)
	}
}

func TestRequireUserFallsBackToQueryParam(t *testing.T) {
	var got uuid.UUID
	r := authRouter(t, &got)
	want := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?user_id="+want.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got != want {
		t.Fatalf("status = %d, user = %s", rec.Code, got)
	}
}

func TestRequireUserRejectsMissingOrMalformed(t *testing.T) {
	var got uuid.UUID
	r := authRouter(t, &got)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "not-a-uuid",
		"nil":       uuid.Nil.String(),
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
			if header != "" {
				req.Header.Set("X-User-Id", header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}
