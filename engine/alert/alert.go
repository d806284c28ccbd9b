// Package alert delivers fire-and-forget failure notifications on fatal
// pipeline transitions.
package alert

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/pkg/natsutil"
)

// Reporter is the externally visible alerting sink.
type Reporter interface {
	Report(ctx context.Context, a domain.Alert)
}

// NATSReporter publishes alerts to a NATS subject. Delivery is best effort;
// a publish failure is logged, never propagated.
type NATSReporter struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNATSReporter creates the alert publisher.
func NewNATSReporter(nc *nats.Conn, subject string, log *slog.Logger) *NATSReporter {
	if log == nil {
		log = slog.Default()
	}
	return &NATSReporter{nc: nc, subject: subject, log: log}
}

func (r *NATSReporter) Report(ctx context.Context, a domain.Alert) {
	r.log.Error("pipeline failure",
		"execution_id", a.ExecutionID, "stage", a.Stage, "reason", a.Reason)
	if err := natsutil.Publish(ctx, r.nc, r.subject, a); err != nil {
		r.log.Error("alert: publish failed", "error", err)
	}
}

// LogReporter writes alerts to the log only; used when no transport is
// configured and in tests.
type LogReporter struct {
	Log *slog.Logger
}

func (r LogReporter) Report(_ context.Context, a domain.Alert) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error("pipeline failure",
		"execution_id", a.ExecutionID, "stage", a.Stage, "reason", a.Reason)
}
