// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"storefront-proxy-go/internal/upload"
)

// EnvelopeMode selects which part of the upstream JSON envelope is relayed.
type EnvelopeMode int

const (
	// EnvelopeData relays only the envelope's "data" value.
	EnvelopeData EnvelopeMode = iota
	// EnvelopeWhole relays the upstream body unchanged.
	EnvelopeWhole
)

func (m EnvelopeMode) String() string {
	if m == EnvelopeWhole {
		return "whole"
	}
	return "data"
}

// ProxyRequest represents a storefront request to be forwarded upstream.
// Path is the escaped upstream path relative to the configured base URL.
// At most one of Body and Form is set.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	Query    url.Values
	Header   http.Header
	Body     []byte
	Form     *upload.Form
	Envelope EnvelopeMode
}

// UpstreamResponse is the raw upstream response.
// The caller is responsible for closing Body.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResponse is the JSON payload relayed to the storefront client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrorResponse is the body of every error the proxy returns.
type ErrorResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}
