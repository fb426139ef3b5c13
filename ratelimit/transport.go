package ratelimit

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

// Response is what a Transport returns. The caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport performs a single HTTP exchange. Errors are returned to the
// Dispatcher's caller as they are.
type Transport interface {
	Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error)
}

// TransportFunc adapts an ordinary function to the Transport interface.
type TransportFunc func(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	return f(ctx, method, path, header, body)
}

// HTTPTransport sends requests with an *http.Client to BaseURL+path.
type HTTPTransport struct {
	// Client defaults to http.DefaultClient.
	Client  *http.Client
	BaseURL string
	// Header is added to every request; per-request headers take precedence.
	Header    http.Header
	UserAgent string
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

var _ Transport = (*HTTPTransport)(nil)
