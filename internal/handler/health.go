package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"storefront-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// TokenCache reports the cached upstream token without refreshing it.
type TokenCache interface {
	Cached() (*oauth2.Token, bool)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	tokens  TokenCache
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, tokens TokenCache) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, tokens: tokens}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type tokenStatus struct {
	Cached           bool  `json:"cached"`
	ExpiresInSeconds int64 `json:"expires_in_seconds,omitempty"`
}

type proxyStatus struct {
	Status      string      `json:"status"`
	Version     string      `json:"version"`
	UpstreamURL string      `json:"upstream_url"`
	Token       tokenStatus `json:"token"`
}

// Status returns proxy status information. The token itself is never exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	out := proxyStatus{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
	}
	if h.tokens != nil {
		// An expired token is still held until the next refresh; report it as absent.
		if t, ok := h.tokens.Cached(); ok {
			if remaining := time.Until(t.Expiry); remaining > 0 {
				out.Token.Cached = true
				out.Token.ExpiresInSeconds = int64(remaining.Seconds())
			}
		}
	}
	return c.JSON(http.StatusOK, out)
}
