// Package httpx builds the retrying HTTP clients shared by the NDA, token
// service and Synapse clients.
package httpx

import (
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bsmn/ndasynapse/internal/version"
)

// Options configures a retrying client
type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit is requests per second across all attempts; 0 disables limiting
	RateLimit float64
	RateBurst int
}

// NewClient returns a retryablehttp client that logs through logrus, sends
// the ndasynapse User-Agent and honours the configured rate limit on every
// attempt, including retries.
func NewClient(opts Options, logger *logrus.Logger) *retryablehttp.Client {
	if logger == nil {
		logger = logrus.New()
	}

	client := retryablehttp.NewClient()
	client.Logger = NewLeveledLogger(logger)
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if client.RetryWaitMax < client.RetryWaitMin {
		client.RetryWaitMax = client.RetryWaitMin
	}
	// Hand the final response back so callers can map status codes
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	var transport http.RoundTripper = client.HTTPClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	lt := &limitedTransport{base: transport, userAgent: version.UserAgent()}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lt.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	client.HTTPClient = &http.Client{
		Transport: lt,
		Timeout:   opts.Timeout,
	}

	return client
}

type limitedTransport struct {
	base      http.RoundTripper
	limiter   *rate.Limiter
	userAgent string
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// ReadErrorBody returns at most 4KiB of a failed response body for error messages
func ReadErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(data)
}

// Drain discards the remaining body and closes it so the connection is reused
func Drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
