// Package compute holds the HTTP plumbing shared by the structure-analysis,
// conversion and optimization service clients.
package compute

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/mof-screen/internal/resilience"
)

// APIError is returned when a service answers with a non-2xx status.
type APIError struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s: %s: status %d: %s", e.Service, e.Operation, e.StatusCode, body)
}

// HTTPStatus lets resilience classify the error.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Option configures a Base.
type Option func(*Base)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Base) {
		b.rc = resty.NewWithClient(hc).SetBaseURL(b.baseURL)
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(b *Base) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithGuard routes calls through a circuit breaker and retry policy.
func WithGuard(g *resilience.Guard) Option {
	return func(b *Base) {
		b.guard = g
	}
}

// Base is a resty client bound to one service.
type Base struct {
	service string
	baseURL string
	rc      *resty.Client
	limiter *rate.Limiter
	guard   *resilience.Guard
}

// NewBase creates a Base for service at baseURL.
func NewBase(service, baseURL string, opts ...Option) *Base {
	b := &Base{service: service, baseURL: baseURL}
	b.rc = resty.New().SetBaseURL(baseURL)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Service returns the service name used in errors and logs.
func (b *Base) Service() string {
	return b.service
}

// Do builds and sends one request with the given timeout. build is invoked
// once per attempt so multipart bodies are re-created on retry. Non-2xx
// responses become *APIError.
func (b *Base) Do(ctx context.Context, op string, timeout time.Duration, build func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	return resilience.Call(ctx, b.guard, func(ctx context.Context) (*resty.Response, error) {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrapf(err, "%s: %s: rate limit", b.service, op)
			}
		}

		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		resp, err := build(b.rc.R().SetContext(callCtx))
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, eris.Wrapf(context.DeadlineExceeded, "%s: %s: timed out after %s", b.service, op, timeout)
			}
			return nil, eris.Wrapf(err, "%s: %s", b.service, op)
		}
		if !resp.IsSuccess() {
			return nil, &APIError{
				Service:    b.service,
				Operation:  op,
				StatusCode: resp.StatusCode(),
				Body:       string(resp.Body()),
			}
		}
		return resp, nil
	})
}
