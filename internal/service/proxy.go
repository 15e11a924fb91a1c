// Package service implements the core forwarding logic: authenticate, relay,
// unwrap the upstream envelope.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"storefront-proxy-go/internal/client"
	"storefront-proxy-go/internal/config"
	"storefront-proxy-go/internal/model"
)

// maxResponseBytes caps how much of an upstream response is buffered.
const maxResponseBytes = 32 << 20

var (
	// ErrMalformedResponse is returned when a successful upstream response is not JSON.
	ErrMalformedResponse = errors.New("upstream returned malformed response")
	// ErrResponseTooLarge is returned when an upstream response exceeds maxResponseBytes.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// UpstreamError is an upstream answer the proxy relays as an error: a
// non-2xx status, or a 2xx envelope whose status flag is false.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.StatusCode, e.Message)
}

// TokenSource supplies bearer tokens for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Invalidate(ctx context.Context, t *oauth2.Token)
}

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
}

// forwardableResponseHeaders are the only response headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Cache-Control":    true,
	"Content-Language": true,
}

const userAgent = "storefront-proxy-go/1.0"

// ProxyService forwards storefront requests to the upstream commerce API.
type ProxyService struct {
	client  *client.UpstreamClient
	tokens  TokenSource
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// upstreamResult is a fully buffered upstream response.
type upstreamResult struct {
	status int
	header http.Header
	body   []byte
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, tokens TokenSource, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward obtains a token, sends the request upstream and returns the
// payload to relay. If the upstream rejects the token with 401 the token is
// invalidated and the call is made once more with a fresh one.
//
// Errors: token failures wrap auth.ErrTokenUnavailable; upstream refusals
// are *UpstreamError; transport failures are returned wrapped.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	tok, err := s.tokens.Token(pr.Ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	res, err := s.send(pr, tok)
	if err != nil {
		return nil, err
	}

	if res.status == http.StatusUnauthorized {
		s.tokens.Invalidate(pr.Ctx, tok)
		if tok, err = s.tokens.Token(pr.Ctx); err != nil {
			return nil, fmt.Errorf("acquire token after 401: %w", err)
		}
		s.logger.Info("retrying with refreshed token", "method", pr.Method, "path", pr.Path)
		if res, err = s.send(pr, tok); err != nil {
			return nil, err
		}
	}

	return relay(res, pr.Envelope)
}

// send performs one upstream call bounded by the upstream timeout and the
// inbound request context, and buffers the response.
func (s *ProxyService) send(pr *model.ProxyRequest, tok *oauth2.Token) (*upstreamResult, error) {
	header := s.filterRequestHeaders(pr.Header)
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)

	var body io.Reader
	switch {
	case pr.Form != nil:
		encoded, contentType := pr.Form.Encode()
		defer func() { _ = encoded.Close() }()
		body = encoded
		header.Set("Content-Type", contentType)
	case len(pr.Body) > 0:
		body = bytes.NewReader(pr.Body)
	}

	ctx, cancel := context.WithTimeout(pr.Ctx, s.cfg.Upstream.Timeout())
	defer cancel()

	resp, err := s.client.Send(ctx, pr.Method, s.buildUpstreamURL(pr.Path, pr.Query), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	return &upstreamResult{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// relay applies the envelope policy to a buffered upstream response.
func relay(res *upstreamResult, mode model.EnvelopeMode) (*model.ProxyResponse, error) {
	switch {
	case res.status >= 300 && res.status < 400:
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: "upstream redirected"}
	case res.status < 200 || res.status > 299:
		return nil, &UpstreamError{StatusCode: res.status, Message: upstreamMessage(res.body, res.status)}
	}

	out := &model.ProxyResponse{
		StatusCode: res.status,
		Header:     filterResponseHeaders(res.header),
	}

	if len(bytes.TrimSpace(res.body)) == 0 {
		out.Body = []byte("null")
		return out, nil
	}
	if !gjson.ValidBytes(res.body) {
		return nil, ErrMalformedResponse
	}

	if st := gjson.GetBytes(res.body, "status"); st.Type == gjson.False {
		return nil, &UpstreamError{
			StatusCode: http.StatusUnprocessableEntity,
			Message:    upstreamMessage(res.body, http.StatusUnprocessableEntity),
		}
	}

	if mode == model.EnvelopeWhole {
		out.Body = res.body
		return out, nil
	}

	data := gjson.GetBytes(res.body, "data")
	if !data.Exists() {
		out.Body = []byte("null")
		return out, nil
	}
	out.Body = []byte(data.Raw)
	return out, nil
}

// upstreamMessage extracts a human-readable message from an upstream body.
func upstreamMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "error"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "upstream error"
}

func (s *ProxyService) buildUpstreamURL(path string, query url.Values) string {
	u := s.baseURL.JoinPath(path)

	q := make(url.Values, len(query))
	for k, v := range query {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if dst.Get("Accept") == "" {
		dst.Set("Accept", "application/json")
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
