package errors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/getsentry/sentry-go"

	"github.com/Proton-105/points-ledger/pkg/logger"
	"github.com/Proton-105/points-ledger/pkg/metrics"
)

const genericUserMessage = "Something went wrong, please try again later"

// Handler is the single place where failures leave the core: it logs them,
// counts them, reports the serious ones to sentry and tells the caller
// whether retrying makes sense.
type Handler struct {
	log           *slog.Logger
	sentryEnabled bool
}

func NewHandler(log *slog.Logger, sentryEnabled bool) *Handler {
	return &Handler{
		log:           log,
		sentryEnabled: sentryEnabled,
	}
}

// outcome is what Handle decided about one error.
type outcome struct {
	kind      string
	code      string
	severity  Severity
	retryable bool
	message   string
}

func classifyError(err error) outcome {
	if IsDomain(err) {
		return outcome{kind: "domain", severity: SeverityLow, message: UserMessage(err)}
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		msg := appErr.UserMessage
		if msg == "" {
			msg = genericUserMessage
		}
		return outcome{
			kind:      "application",
			code:      appErr.Code,
			severity:  appErr.Severity,
			retryable: appErr.Retryable,
			message:   msg,
		}
	}

	return outcome{kind: "unknown", severity: SeverityHigh, message: genericUserMessage}
}

// Handle logs err and returns the message to show the caller and whether the
// operation may be retried.
func (h *Handler) Handle(ctx context.Context, err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log := h.log
	if log == nil {
		log = slog.Default()
	}

	o := classifyError(err)
	correlationID := logger.CorrelationIDFromContext(ctx)

	attrs := []slog.Attr{slog.String("error", err.Error())}
	if o.code != "" {
		attrs = append(attrs, slog.String("code", o.code))
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	switch o.kind {
	case "domain":
		log.LogAttrs(ctx, slog.LevelWarn, "request rejected", attrs...)
	default:
		attrs = append(attrs,
			slog.String("severity", string(o.severity)),
			slog.Bool("retryable", o.retryable),
		)
		log.LogAttrs(ctx, slog.LevelError, o.kind+" error", attrs...)
		metrics.RecordError(o.kind, string(o.severity))
	}

	if h.sentryEnabled && (o.severity == SeverityCritical || o.severity == SeverityHigh) {
		h.sendToSentry(err, o, correlationID)
	}

	return o.message, o.retryable
}

func (h *Handler) sendToSentry(err error, o outcome, correlationID string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", o.kind)
		scope.SetTag("severity", string(o.severity))
		if o.code != "" {
			scope.SetTag("code", o.code)
		}
		if correlationID != "" {
			scope.SetTag("correlation_id", correlationID)
		}

		sentry.CaptureException(err)
	})
}
