package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"storefront-proxy-go/internal/auth"
	"storefront-proxy-go/internal/config"
	"storefront-proxy-go/internal/model"
	"storefront-proxy-go/internal/service"
	"storefront-proxy-go/internal/upload"
)

var (
	// bearerPattern matches bearer tokens in error messages.
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	// secretPattern matches apiSecret values in JSON or query form.
	secretPattern = regexp.MustCompile(`(?i)("?apiSecret"?\s*[:=]\s*"?)[^&\s",}]+`)
)

// requestError is a client mistake detected before anything is sent upstream.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// ProxyHandler serves the storefront API routes.
type ProxyHandler struct {
	service *service.ProxyService
	upload  config.UploadConfig
	bodyMax int64
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		upload:  cfg.Upload,
		bodyMax: cfg.Server.BodyMaxBytes,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle returns the echo handler for rt.
func (h *ProxyHandler) Handle(rt Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		path, err := rt.upstreamPath(c)
		if err != nil {
			return h.mapError(c, err)
		}

		pr := &model.ProxyRequest{
			Ctx:      req.Context(),
			Method:   rt.Method,
			Path:     path,
			Query:    req.URL.Query(),
			Header:   req.Header,
			Envelope: rt.Envelope,
		}

		switch {
		case rt.Body == BodyMultipart && upload.IsMultipart(req):
			form, err := upload.Read(c.Response(), req, h.upload.MaxBytes, h.upload.MemoryBytes)
			if err != nil {
				return h.mapError(c, err)
			}
			defer func() {
				if err := form.Release(); err != nil {
					h.logger.Warn("releasing upload buffers", "err", err)
				}
			}()
			pr.Form = form
		case rt.Body != BodyNone:
			body, err := readJSON(c.Response(), req, h.bodyMax)
			if err != nil {
				return h.mapError(c, err)
			}
			pr.Body = body
			if len(body) > 0 {
				pr.Header = req.Header.Clone()
				pr.Header.Set("Content-Type", echo.MIMEApplicationJSON)
			}
		}

		resp, err := h.service.Forward(pr)
		if err != nil {
			return h.mapError(c, err)
		}

		for key, vals := range resp.Header {
			for _, v := range vals {
				c.Response().Header().Add(key, v)
			}
		}

		if resp.StatusCode == http.StatusNoContent {
			return c.NoContent(resp.StatusCode)
		}
		return c.JSONBlob(resp.StatusCode, resp.Body)
	}
}

// readJSON buffers a JSON request body of at most maxBytes (unbounded when
// maxBytes is not positive).
func readJSON(w http.ResponseWriter, req *http.Request, maxBytes int64) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	src := req.Body
	if maxBytes > 0 {
		src = http.MaxBytesReader(w, req.Body, maxBytes)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &requestError{
				status:  http.StatusRequestEntityTooLarge,
				message: fmt.Sprintf("request body exceeds %d bytes", maxBytes),
			}
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, badRequest("request body is not valid JSON")
	}
	return body, nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, message := h.classify(err)

	attrs := []any{
		"err", sanitizeError(err),
		"status", status,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error", attrs...)
	} else {
		h.logger.Warn("request rejected", attrs...)
	}

	return c.JSON(status, model.ErrorResponse{Status: false, Message: message})
}

// classify maps an error to the status and message returned to the client.
func (h *ProxyHandler) classify(err error) (int, string) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status, reqErr.message
	}

	if errors.Is(err, upload.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.upload.MaxBytes)
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, fmt.Sprint(httpErr.Message)
	}

	if errors.Is(err, upload.ErrMalformed) {
		return http.StatusBadRequest, "malformed multipart body"
	}

	if errors.Is(err, auth.ErrTokenUnavailable) {
		return http.StatusInternalServerError, "upstream authentication failed"
	}

	var upErr *service.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode, upErr.Message
	}

	if errors.Is(err, service.ErrMalformedResponse) {
		return http.StatusBadGateway, "upstream returned malformed response"
	}
	if errors.Is(err, service.ErrResponseTooLarge) {
		return http.StatusBadGateway, "upstream response too large"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return http.StatusBadGateway, "upstream connection failed"
	}

	return http.StatusInternalServerError, "internal proxy error"
}

// sanitizeError redacts bearer tokens and API secrets from error messages.
func sanitizeError(err error) string {
	s := bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
	return secretPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
