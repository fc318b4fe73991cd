package tracing

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LogRecoverToReturn Recovers from a panic, logs and forwards it sentry and otel, then returns
// Does nothing when there is no panic.
func LogRecoverToReturn(ctx context.Context, loc string) {
	err := recover()
	if err == nil {
		return
	}

	HandleError(ctx, loc, err, string(debug.Stack()))
}

// LogRecoverToExit Recovers from a panic, logs and forwards it sentry and otel, then exits
// Does nothing when there is no panic.
func LogRecoverToExit(ctx context.Context, loc string) {
	err := recover()
	if err == nil {
		return
	}

	HandleError(ctx, loc, err, string(debug.Stack()))

	// ensure that errors still get sent out
	ShutdownTracer(ctx)

	os.Exit(1)
}

// HandleError reports a recovered panic
func HandleError(ctx context.Context, loc string, err any, stack string) {
	msg := fmt.Sprintf("unhandled panic in %v: %v", loc, err)

	hub := sentry.CurrentHub()
	if ctx != nil && sentry.HasHubOnContext(ctx) {
		hub = sentry.GetHubFromContext(ctx)
	}
	if hub != nil {
		hub.Recover(err)
	}

	fields := log.Fields{"loc": loc, "stack": stack}

	// always log to stderr (no WithContext!)
	log.WithFields(fields).Error(msg)

	// if we have a context, try attaching additional info to the span
	if ctx != nil {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			log.WithContext(ctx).WithFields(fields).Error(msg)
		}
		span.SetAttributes(
			attribute.String("ovm.panic.loc", loc),
			attribute.String("ovm.panic.stack", stack),
		)
		span.SetStatus(codes.Error, msg)
	}
}
