package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestCSRFMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour)

	router := gin.New()
	router.Use(svc.CSRFMiddleware())
	router.POST("/write", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/read", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// Reads never need a token.
	if code := serve(httptest.NewRequest(http.MethodGet, "/read", nil)); code != http.StatusOK {
		t.Fatalf("GET = %d", code)
	}

	// A cookie-authenticated write needs the matching header.
	bare := httptest.NewRequest(http.MethodPost, "/write", nil)
	if code := serve(bare); code != http.StatusForbidden {
		t.Fatalf("write without token = %d, want 403", code)
	}

	matched := httptest.NewRequest(http.MethodPost, "/write", nil)
	matched.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "tok-1"})
	matched.Header.Set(svc.CSRFHeaderName(), "tok-1")
	if code := serve(matched); code != http.StatusNoContent {
		t.Fatalf("matched tokens = %d, want 204", code)
	}

	mismatched := httptest.NewRequest(http.MethodPost, "/write", nil)
	mismatched.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "tok-1"})
	mismatched.Header.Set(svc.CSRFHeaderName(), "tok-2")
	if code := serve(mismatched); code != http.StatusForbidden {
		t.Fatalf("mismatched tokens = %d, want 403", code)
	}

	// Bearer clients hold no cookie and skip the check.
	bearer := httptest.NewRequest(http.MethodPost, "/write", nil)
	bearer.Header.Set("Authorization", "Bearer abc123")
	if code := serve(bearer); code != http.StatusNoContent {
		t.Fatalf("bearer write = %d, want 204", code)
	}
}
