package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"storefront-proxy-go/internal/client"
	"storefront-proxy-go/internal/model"
)

// maxAuthResponseBytes caps how much of an auth response is read.
const maxAuthResponseBytes = 1 << 20

const userAgent = "storefront-proxy-go/1.0"

// Authenticator performs the key/secret exchange against the upstream
// auth endpoint. It keeps no state between calls.
type Authenticator struct {
	client     *client.UpstreamClient
	tokenURL   string
	creds      model.Credentials
	defaultTTL time.Duration
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator posting to {baseURL}/auth/token.
func NewAuthenticator(c *client.UpstreamClient, baseURL string, creds model.Credentials, defaultTTL time.Duration) (*Authenticator, error) {
	tokenURL, err := url.JoinPath(baseURL, "auth", "token")
	if err != nil {
		return nil, fmt.Errorf("build token url: %w", err)
	}
	return &Authenticator{
		client:     c,
		tokenURL:   tokenURL,
		creds:      creds,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

// Authenticate exchanges the credentials for a bearer token. Every failure
// wraps ErrTokenUnavailable.
func (a *Authenticator) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	payload, err := json.Marshal(a.creds)
	if err != nil {
		return nil, fmt.Errorf("%w: encode credentials: %w", ErrTokenUnavailable, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	header.Set("User-Agent", userAgent)

	resp, err := a.client.Send(ctx, http.MethodPost, a.tokenURL, header, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read auth response: %w", ErrTokenUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: auth endpoint returned %d: %s", ErrTokenUnavailable, resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: auth response is not JSON", ErrTokenUnavailable)
	}

	accessToken := gjson.GetBytes(body, "data.accessToken")
	raw := accessToken.Get("token").String()
	if raw == "" {
		return nil, fmt.Errorf("%w: auth response has no data.accessToken.token", ErrTokenUnavailable)
	}

	return &oauth2.Token{
		AccessToken: raw,
		TokenType:   "Bearer",
		Expiry:      a.expiry(accessToken, raw),
	}, nil
}

// expiry resolves the token lifetime: an explicit expiresIn or expiresAt in
// the response, then the JWT exp claim, then the configured default.
func (a *Authenticator) expiry(accessToken gjson.Result, raw string) time.Time {
	now := a.now()

	if v := accessToken.Get("expiresIn"); v.Exists() && v.Int() > 0 {
		return now.Add(time.Duration(v.Int()) * time.Second)
	}
	if v := accessToken.Get("expiresAt"); v.Exists() {
		if t, ok := parseTimestamp(v); ok && t.After(now) {
			return t
		}
	}
	if t, ok := jwtExpiry(raw); ok && t.After(now) {
		return t
	}
	return now.Add(a.defaultTTL)
}

// parseTimestamp accepts unix seconds (number or numeric string) or RFC 3339.
func parseTimestamp(v gjson.Result) (time.Time, bool) {
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0), true
	}
	s := v.String()
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only ever presented back to its issuer.
func jwtExpiry(raw string) (time.Time, bool) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
