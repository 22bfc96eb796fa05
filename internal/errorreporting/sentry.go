// Package errorreporting forwards out-of-band failures to Sentry.
package errorreporting

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"
)

// Options configures the Sentry client.
type Options struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Init initializes Sentry. An empty DSN leaves reporting disabled and is not an error.
func Init(opts Options) error {
	if opts.DSN == "" {
		return nil
	}
	if err := ValidateDSN(opts.DSN); err != nil {
		return err
	}

	release := opts.Release
	if release == "" {
		release = getRelease()
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          release,
		SampleRate:       opts.SampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

func getRelease() string {
	if release := os.Getenv("SENTRY_RELEASE"); release != "" {
		return release
	}
	if version := os.Getenv("SERVICE_VERSION"); version != "" {
		return version
	}
	return "dev"
}

// CaptureErrorWithContext captures an error with tags and extra data.
// Without an initialized client this is a no-op.
func CaptureErrorWithContext(err error, tags map[string]string, extras map[string]any) {
	if err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// ValidateDSN checks the DSN scheme.
func ValidateDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "https://") && !strings.HasPrefix(dsn, "http://") {
		return fmt.Errorf("invalid Sentry DSN format")
	}
	return nil
}

// Reporter captures errors at a bounded rate so a misbehaving callback that
// fails on every eviction cannot flood the backend.
type Reporter struct {
	limiter *rate.Limiter
	capture func(err error, tags map[string]string, extras map[string]any)
}

// NewReporter returns a Reporter admitting perSecond events with the given burst.
// A non-positive perSecond disables throttling.
func NewReporter(perSecond float64, burst int) *Reporter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Reporter{
		limiter: rate.NewLimiter(limit, burst),
		capture: CaptureErrorWithContext,
	}
}

// Report forwards err unless the rate budget is exhausted. It reports
// whether the event was forwarded.
func (r *Reporter) Report(err error, tags map[string]string, extras map[string]any) bool {
	if r == nil || err == nil {
		return false
	}
	if !r.limiter.Allow() {
		return false
	}
	r.capture(err, tags, extras)
	return true
}
