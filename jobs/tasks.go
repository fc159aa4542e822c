// Package jobs carries the background task plumbing: retry passes for stuck
// documents, the periodic recovery sweep, and post-authorization follow-ups.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
	jobmetrics "github.com/quipu-pos/quipu/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSubmissionRetry re-drives one document after a backoff delay.
	TaskSubmissionRetry = "submission:retry"
	// TaskSubmissionSweep re-drives every recoverable document. Scheduled
	// by cron; catches documents whose retry task was lost.
	TaskSubmissionSweep = "submission:sweep"
	// TaskInvoiceNotify emails the customer their authorized document.
	TaskInvoiceNotify = "invoice:notify"
)

// SubmissionPayload identifies the document a task operates on.
type SubmissionPayload struct {
	AccessKey string `json:"accessKey"`
}

// NewSubmissionRetryTask constructs a retry task for one document.
func NewSubmissionRetryTask(accessKey string) (*asynq.Task, error) {
	data, err := json.Marshal(SubmissionPayload{AccessKey: accessKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSubmissionRetry, data), nil
}

// NewSubmissionSweepTask constructs the periodic sweep task.
func NewSubmissionSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSubmissionSweep, nil)
}

// NewInvoiceNotifyTask constructs a customer notification task.
func NewInvoiceNotifyTask(accessKey string) (*asynq.Task, error) {
	data, err := json.Marshal(SubmissionPayload{AccessKey: accessKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceNotify, data), nil
}

// SubmissionDriver is the slice of the submission engine tasks need.
type SubmissionDriver interface {
	Submit(ctx context.Context, accessKey string) (*invoice.Invoice, error)
	Sweep(ctx context.Context, limit int) (int, error)
}

// Handlers binds task types to the services that execute them.
type Handlers struct {
	driver   SubmissionDriver
	notifier Notifier
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// Notifier delivers the authorized document to the customer.
type Notifier interface {
	NotifyAuthorized(ctx context.Context, accessKey string) error
}

// NewHandlers constructs Handlers. Task runs are tracked on the default
// Prometheus registerer.
func NewHandlers(driver SubmissionDriver, notifier Notifier, logger *slog.Logger) *Handlers {
	return &Handlers{driver: driver, notifier: notifier, logger: logger, metrics: jobmetrics.NewMetrics(nil)}
}

// HandleSubmissionRetry processes TaskSubmissionRetry tasks. Outcomes are
// owned by the engine's own retry policy, so the task never asks asynq to
// retry on top of it.
func (h *Handlers) HandleSubmissionRetry(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track(TaskSubmissionRetry)
	var payload SubmissionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	snap, err := h.driver.Submit(ctx, payload.AccessKey)
	if err != nil {
		h.logger.Warn("retry pass did not run", "access_key", payload.AccessKey, "error", err)
		_ = tracker.End(err)
		return nil
	}
	h.logger.Info("retry pass finished", "access_key", payload.AccessKey, "status", string(snap.Status))
	return tracker.End(nil)
}

// HandleSubmissionSweep processes TaskSubmissionSweep tasks.
func (h *Handlers) HandleSubmissionSweep(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track(TaskSubmissionSweep)
	driven, err := h.driver.Sweep(ctx, 100)
	if err != nil {
		return tracker.End(err)
	}
	if driven > 0 {
		h.logger.Info("sweep finished", "driven", driven)
	}
	return tracker.End(nil)
}

// HandleInvoiceNotify processes TaskInvoiceNotify tasks.
func (h *Handlers) HandleInvoiceNotify(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track(TaskInvoiceNotify)
	var payload SubmissionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	if h.notifier == nil {
		return tracker.End(nil)
	}
	return tracker.End(h.notifier.NotifyAuthorized(ctx, payload.AccessKey))
}
