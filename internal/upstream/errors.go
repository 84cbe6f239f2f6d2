package upstream

import (
	"fmt"
	"time"
)

// RateLimitedError reports an HTTP 429 (or equivalent) from a provider. The
// key pool inspects it through the RateLimited method to start the cooldown.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %q rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %q rate limited", e.Provider)
}

func (e *RateLimitedError) RateLimited() bool { return true }

// TimeoutError reports a provider call that exceeded its deadline. It is
// treated identically to a failure for breaker and instance bookkeeping.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %q call timed out after %s", e.Provider, e.Timeout)
}

func (e *TimeoutError) IsTimeout() bool { return true }

// ProviderCallError wraps any other transport or upstream failure with
// provider/model context.
type ProviderCallError struct {
	Provider   string
	Model      string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderCallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %q call failed (model %s): %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("provider %q call failed (model %s): status %d", e.Provider, e.Model, e.StatusCode)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }
