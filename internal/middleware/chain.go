// Package middleware provides the HTTP middleware chain for the gateway
// endpoints: request logging and gateway-level API key auth.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/config"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered middleware list.
type Chain struct {
	middlewares []Middleware
}

func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then appends more middleware to the chain.
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies the chain to a handler, first middleware outermost.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}
	return handler
}

// Set bundles the configured middleware for composition.
type Set struct {
	Logging Middleware
	Auth    Middleware
}

func NewSet(config *config.Manager, logger *slog.Logger) Set {
	return Set{
		Logging: NewLoggingMiddleware(logger),
		Auth:    NewAuthMiddleware(config, logger),
	}
}

// DefaultChain is the chain for the proxy endpoints: log, then authenticate.
func (s Set) DefaultChain() Chain {
	return New(s.Logging, s.Auth)
}

// HealthChain skips auth so probes work without credentials.
func (s Set) HealthChain() Chain {
	return New(s.Logging)
}
