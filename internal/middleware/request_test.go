package middleware

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestRequestID(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	if _, err := uuid.Parse(rec.Header().Get(echo.HeaderXRequestID)); err != nil {
		t.Errorf("generated request id %q is not a UUID: %v", rec.Header().Get(echo.HeaderXRequestID), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set(echo.HeaderXRequestID, "upstream-id")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(echo.HeaderXRequestID); got != "upstream-id" {
		t.Errorf("request id = %q, want inbound id kept", got)
	}
}

func TestBodyLimit(t *testing.T) {
	newMultipart := func() (io.Reader, string) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, _ := mw.CreateFormFile("image", "card.png")
		_, _ = part.Write(bytes.Repeat([]byte("x"), 256))
		_ = mw.Close()
		return &buf, mw.FormDataContentType()
	}
	uploadRoute := func(method, path string) bool {
		return method == http.MethodPost && path == "/upload"
	}

	tests := []struct {
		name       string
		path       string
		multipart  bool
		body       string
		wantStatus int
	}{
		{"small json", "/json", false, `{"a":1}`, http.StatusOK},
		{"large json", "/json", false, `{"a":"` + strings.Repeat("x", 200) + `"}`, http.StatusRequestEntityTooLarge},
		{"multipart on upload route skipped", "/upload", true, "", http.StatusOK},
		{"multipart on json route limited", "/json", true, "", http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(BodyLimit(64, uploadRoute))
			drain := func(c echo.Context) error {
				if _, err := io.ReadAll(c.Request().Body); err != nil {
					return err
				}
				return c.NoContent(http.StatusOK)
			}
			e.POST("/json", drain)
			e.POST("/upload", drain)

			body, contentType := io.Reader(strings.NewReader(tt.body)), "application/json"
			if tt.multipart {
				body, contentType = newMultipart()
			}
			req := httptest.NewRequest(http.MethodPost, tt.path, body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
