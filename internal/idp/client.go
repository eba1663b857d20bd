// Package idp talks to the identity provider's management API: token exchange, authenticated
// JSON requests with failure classification, and the request payloads used for user sync.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"idp-user-sync/internal/config"
)

const maxResponseBytes = 1 << 20

// TokenSource supplies bearer tokens. *TokenCache implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Response is a successful IdP reply. Body is always valid JSON ("{}" for an empty reply).
type Response struct {
	Status int
	Body   json.RawMessage
}

// Decode unmarshals the body into v. A mismatch is reported as a KindDecode *Error.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &Error{Kind: KindDecode, Status: r.Status, Message: "unexpected response shape: " + err.Error(), Err: err}
	}
	return nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client (which carries the configured timeout).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTracerProvider sets the provider for request spans. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer("idp-user-sync/idp") }
}

// Client sends authenticated JSON requests to the IdP management API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	tracer     trace.Tracer
	paths      Paths
}

// NewClient validates cfg.BaseURL and returns a client. Every request is bounded by cfg.Timeout.
func NewClient(cfg config.IDPConfig, tokens TokenSource, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("base URL %q is not absolute", cfg.BaseURL), Err: err}
	}
	if tokens == nil {
		return nil, &Error{Kind: KindConfig, Message: "token source is required"}
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		tracer:     otel.Tracer("idp-user-sync/idp"),
		paths:      NewPaths(cfg.APIVersion),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Paths returns the management API paths for the configured version.
func (c *Client) Paths() Paths { return c.paths }

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Send(ctx, http.MethodGet, path, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Send(ctx, http.MethodPost, path, body)
}

func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Send(ctx, http.MethodPut, path, body)
}

func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Send(ctx, http.MethodDelete, path, nil)
}

// Send performs one request. path is relative to the base URL (e.g. "/management/v1/users/_search").
// body may be nil, a json.RawMessage, or any value encodable as JSON.
// It returns either a Response or an *Error, never both.
func (c *Client) Send(ctx context.Context, method, path string, body any) (resp *Response, err error) {
	ctx, span := c.tracer.Start(ctx, "idp "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if _, perr := url.ParseRequestURI(target); perr != nil {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("invalid request path %q", path), Err: perr}
	}

	var reader io.Reader
	if body != nil {
		raw, merr := json.Marshal(body)
		if merr != nil {
			return nil, &Error{Kind: KindDecode, Message: "encode request body: " + merr.Error(), Err: merr}
		}
		reader = bytes.NewReader(raw)
	}

	token, terr := c.tokens.Token(ctx)
	if terr != nil {
		var ie *Error
		if errors.As(terr, &ie) {
			return nil, ie
		}
		return nil, &Error{Kind: KindToken, Message: terr.Error(), Err: terr}
	}

	req, rerr := http.NewRequestWithContext(ctx, method, target, reader)
	if rerr != nil {
		return nil, &Error{Kind: KindConfig, Message: rerr.Error(), Err: rerr}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, derr := c.httpClient.Do(req)
	if derr != nil {
		return nil, &Error{Kind: KindTransport, Message: derr.Error(), Err: derr}
	}
	defer httpResp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))

	raw, rerr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if rerr != nil {
		return nil, &Error{Kind: KindTransport, Status: httpResp.StatusCode, Message: "read response: " + rerr.Error(), Err: rerr}
	}

	if httpResp.StatusCode >= 300 {
		return nil, statusError(httpResp.StatusCode, raw)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		slog.Error("idp client: malformed JSON in successful response", "method", method, "path", path, "status", httpResp.StatusCode)
		return nil, &Error{Kind: KindDecode, Status: httpResp.StatusCode, Message: "malformed JSON response"}
	}
	return &Response{Status: httpResp.StatusCode, Body: raw}, nil
}

func statusError(status int, body []byte) *Error {
	kind := KindClient
	if status >= 500 {
		kind = KindServer
	}
	msg := messageFrom(body)
	if msg == "" {
		msg = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return &Error{Kind: kind, Status: status, Message: msg}
}

// messageFrom returns the body's top-level "message" string, or "" when absent.
func messageFrom(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Message
}
