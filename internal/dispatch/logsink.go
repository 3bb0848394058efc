package dispatch

import (
	"context"

	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/models"
)

// LogSink writes every transition to the service log. Always enabled, so an
// operator without an external transport still sees every alert.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, ev models.NotificationEvent) error {
	logger.Info("Incident %s %s: %s (severity=%s, peak=%.1fσ)",
		ev.IncidentID, ev.Kind, ev.Message, ev.Severity, ev.PeakDeviation)
	return nil
}
