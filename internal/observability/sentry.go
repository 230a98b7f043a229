// Package observability wires error reporting. Sentry is optional: with
// no DSN configured every call here is a no-op.
package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/polyspike/relay/internal/config"
)

// InitSentry initializes the Sentry client from config. An empty DSN
// disables reporting without error.
func InitSentry(cfg config.SentryConfig, version, environment string) error {
	if cfg.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		Release:          "relay@" + version,
		TracesSampleRate: cfg.TracesSampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return nil
}

// Flush drains buffered events before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
