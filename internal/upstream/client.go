// Package upstream performs the actual provider HTTP calls. The gateway
// always calls providers non-streaming; streaming toward the client is
// emulated from the buffered response.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
)

const DefaultTimeout = 120 * time.Second

// Request is a fully-formed provider call: the wire body has already been
// produced by the protocol handler.
type Request struct {
	Provider string
	Protocol string
	Endpoint string
	Model    string
	APIKey   string
	Body     []byte
	Timeout  time.Duration
}

// Invoker sends a provider request and returns the raw response payload.
type Invoker interface {
	Send(ctx context.Context, req *Request) ([]byte, error)
}

// Client is the HTTP invoker. It injects per-protocol auth headers, applies
// the per-call timeout, and decompresses gzip/brotli responses.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{}}
}

func (c *Client) Send(ctx context.Context, req *Request) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &ProviderCallError{Provider: req.Provider, Model: req.Model, Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	setAuthHeaders(httpReq, req.Protocol, req.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Provider: req.Provider, Timeout: timeout}
		}
		return nil, &ProviderCallError{Provider: req.Provider, Model: req.Model, Err: err}
	}
	defer resp.Body.Close()

	bodyReader := decompressReader(resp)
	body, err := io.ReadAll(bodyReader)
	if closer, ok := bodyReader.(io.Closer); ok {
		closer.Close()
	}
	if err != nil {
		return nil, &ProviderCallError{Provider: req.Provider, Model: req.Model, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{Provider: req.Provider, RetryAfter: retryAfter(resp)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &ProviderCallError{
			Provider:   req.Provider,
			Model:      req.Model,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	return body, nil
}

func setAuthHeaders(req *http.Request, protocol, apiKey string) {
	if apiKey == "" {
		return
	}
	switch protocol {
	case "anthropic":
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case "gemini":
		req.Header.Set("x-goog-api-key", apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func decompressReader(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return gzipReader
	case "br":
		return brotli.NewReader(resp.Body)
	default:
		return resp.Body
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
