package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/origin"
)

type Status int

const (
	StatusUnpublished Status = 0
	StatusInProgress  Status = 1
	StatusPublished   Status = 2
	StatusFailed      Status = 3
	StatusDeleted     Status = 4
)

func (s Status) Label() string {
	switch s {
	case StatusUnpublished:
		return "Unpublish"
	case StatusInProgress:
		return "In-progress"
	case StatusPublished:
		return "Publish"
	case StatusFailed:
		return "Fail"
	case StatusDeleted:
		return "Delete"
	default:
		return "Unknown"
	}
}

func (s Status) verb() string {
	switch s {
	case StatusUnpublished:
		return "unpublished"
	case StatusDeleted:
		return "deleted"
	default:
		return "published"
	}
}

// Report is one status update for a processed event.
type Report struct {
	Status  Status
	Message any
	Entity  string
	Locale  string
	Name    string
}

func successReport(status Status, entity string) Report {
	return Report{Status: status, Entity: entity, Message: fmt.Sprintf("%s has been %s successfully!", entity, status.verb())}
}

func inProgressReport(event string) Report {
	return Report{Status: StatusInProgress, Message: fmt.Sprintf("Starting the %s process.", event)}
}

func failureReport(event string, err error) Report {
	return Report{Status: StatusFailed, Message: fmt.Sprintf("Error: %s failed with the error's: %s", event, err.Error())}
}

// Reporter delivers status updates back to the origin.
type Reporter interface {
	Report(ctx context.Context, id string, report Report) error
}

// StatusClient is the part of the origin client the HTTP reporter needs.
type StatusClient interface {
	ReportStatus(ctx context.Context, id string, report origin.Report) error
}

type HTTPReporter struct {
	client StatusClient
}

func NewHTTPReporter(client StatusClient) *HTTPReporter {
	return &HTTPReporter{client: client}
}

func (r *HTTPReporter) Report(ctx context.Context, id string, report Report) error {
	return r.client.ReportStatus(ctx, id, origin.Report{
		Status:  int(report.Status),
		Label:   report.Status.Label(),
		Message: report.Message,
		Type:    report.Entity,
		Locale:  report.Locale,
		Name:    report.Name,
	})
}

// LogReporter only logs; it serves deployments without a publish queue to answer.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, id string, report Report) error {
	fields := []zap.Field{
		zap.String("event_id", id),
		zap.Int("status", int(report.Status)),
		zap.String("status_label", report.Status.Label()),
		zap.Any("message", report.Message),
	}
	if report.Locale != "" {
		fields = append(fields, zap.String("locale", report.Locale))
	}
	if report.Status == StatusFailed {
		r.logger.Warn("sync status", fields...)
		return nil
	}
	r.logger.Info("sync status", fields...)
	return nil
}
