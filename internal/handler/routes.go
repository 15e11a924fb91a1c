package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"storefront-proxy-go/internal/model"
)

// BodyKind is the request body a route accepts.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyMultipart
)

// Route maps one inbound storefront endpoint onto an upstream path.
// Upstream uses the same :name placeholders as Path.
type Route struct {
	Method   string
	Path     string
	Upstream string
	Body     BodyKind
	Envelope model.EnvelopeMode
}

// Routes is the storefront API surface.
var Routes = []Route{
	{http.MethodGet, "/api/countries", "/countries", BodyNone, model.EnvelopeData},

	{http.MethodGet, "/api/products", "/products", BodyNone, model.EnvelopeData},
	{http.MethodGet, "/api/products/get-categories", "/products/get-categories", BodyNone, model.EnvelopeData},
	{http.MethodGet, "/api/products/:encodedId", "/products/:encodedId", BodyNone, model.EnvelopeData},

	{http.MethodGet, "/api/fund/balance", "/fund/balance", BodyNone, model.EnvelopeData},
	{http.MethodGet, "/api/fund/alert", "/fund/alert", BodyNone, model.EnvelopeData},
	{http.MethodPut, "/api/fund/alert", "/fund/alert", BodyJSON, model.EnvelopeWhole},

	{http.MethodGet, "/api/orders", "/order", BodyNone, model.EnvelopeData},
	{http.MethodGet, "/api/orders/:orderId", "/order/:orderId", BodyNone, model.EnvelopeData},
	{http.MethodPost, "/api/order/save", "/order/save", BodyJSON, model.EnvelopeWhole},

	{http.MethodGet, "/api/gift-card", "/gift-card", BodyNone, model.EnvelopeData},
	{http.MethodPost, "/api/gift-card", "/gift-card", BodyMultipart, model.EnvelopeData},
	{http.MethodGet, "/api/gift-card/sent-cards", "/gift-card/sent-cards", BodyNone, model.EnvelopeData},
	{http.MethodGet, "/api/gift-card/redemptions/:id", "/gift-card/redemptions/:id", BodyNone, model.EnvelopeData},
	{http.MethodPost, "/api/gift-card/send", "/gift-card/send", BodyJSON, model.EnvelopeData},
	{http.MethodPost, "/api/gift-card/validate", "/gift-card/validate", BodyJSON, model.EnvelopeData},
	{http.MethodPost, "/api/gift-card/redeem", "/gift-card/redeem", BodyJSON, model.EnvelopeData},
	{http.MethodPost, "/api/gift-card/redeem-card", "/gift-card/redeem", BodyJSON, model.EnvelopeData},
	{http.MethodGet, "/api/gift-card/:id", "/gift-card/:id", BodyNone, model.EnvelopeData},
	{http.MethodPut, "/api/gift-card/:id", "/gift-card/:id", BodyMultipart, model.EnvelopeData},
	{http.MethodDelete, "/api/gift-card/:id", "/gift-card/:id", BodyNone, model.EnvelopeData},
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	for _, rt := range Routes {
		e.Add(rt.Method, rt.Path, proxy.Handle(rt))
	}
}

// IsUploadRoute reports whether the route registered for method and path
// (the echo route pattern) accepts multipart uploads.
func IsUploadRoute(method, path string) bool {
	for _, rt := range Routes {
		if rt.Method == method && rt.Path == path {
			return rt.Body == BodyMultipart
		}
	}
	return false
}

// upstreamPath fills the route's placeholders from the request. Each value
// is unescaped and re-escaped as exactly one path segment.
func (rt Route) upstreamPath(c echo.Context) (string, error) {
	segments := strings.Split(rt.Upstream, "/")
	for i, seg := range segments {
		name, ok := strings.CutPrefix(seg, ":")
		if !ok {
			continue
		}
		raw := c.Param(name)
		value, err := url.PathUnescape(raw)
		if err != nil {
			value = raw
		}
		if value == "" || value == "." || value == ".." {
			return "", badRequest("invalid path parameter %q", name)
		}
		segments[i] = url.PathEscape(value)
	}
	return strings.Join(segments, "/"), nil
}
