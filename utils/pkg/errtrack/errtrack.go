// Package errtrack reports errors and recovered panics to Sentry. Every
// function is a no-op until Init is called with a DSN.
package errtrack

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Init configures the global Sentry client. An empty DSN leaves reporting
// disabled. The returned func flushes buffered events and should be deferred
// by main.
func Init(cfg Config) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return func() {}, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func hubFrom(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub().Clone()
}

// Capture reports err with the given tags.
func Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := hubFrom(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Recovered reports a value returned by recover().
func Recovered(ctx context.Context, r any, component string) {
	hub := hubFrom(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		hub.Recover(r)
	})
}

// StartSpan starts a performance span; callers must call Finish.
func StartSpan(ctx context.Context, op, description string) *sentry.Span {
	return sentry.StartSpan(ctx, op, sentry.WithDescription(description))
}
