package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quipu-pos/quipu/internal/fiscal/authority"
	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
	"github.com/quipu-pos/quipu/internal/platform/httpx"
	"github.com/quipu-pos/quipu/internal/synclog"
)

// ErrAlreadyInFlight is returned when a submission pass for the same access
// key is still running.
var ErrAlreadyInFlight = fmt.Errorf("%w: submission already running for this document", httpx.ErrInFlight)

// Store is the invoice persistence the engine drives.
type Store interface {
	Get(ctx context.Context, accessKey string) (*invoice.Invoice, error)
	SetSigned(ctx context.Context, accessKey string, signedXML []byte) error
	UpdateStatus(ctx context.Context, accessKey string, status invoice.Status, reason string) error
	IncrementAttempts(ctx context.Context, accessKey string) (int, error)
	SetAuthorization(ctx context.Context, accessKey, number, authorizedAt string) error
	Recoverable(ctx context.Context, limit int) ([]string, error)
}

// Signer produces the signed payload for an unsigned document.
type Signer interface {
	Sign(unsigned []byte) ([]byte, error)
}

// Authority is the reception and authorization transport.
type Authority interface {
	Submit(ctx context.Context, signedXML []byte) (*authority.ReceptionResponse, string, string, error)
	Authorize(ctx context.Context, accessKey string) (*authority.AuthorizationResponse, string, string, error)
}

// RetryScheduler re-enqueues a submission pass after a delay. The engine
// never sleeps while holding a document; waits live in the scheduler.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, accessKey string, delay time.Duration) error
}

// Dispatcher receives follow-up work once a document reaches AUTHORIZED.
type Dispatcher interface {
	InvoiceAuthorized(ctx context.Context, accessKey string) error
}

// MetricsRecorder counts submission outcomes and scheduled retries.
type MetricsRecorder interface {
	ObserveSubmission(result string)
	ObserveRetryScheduled()
}

// Config tunes the retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Engine drives a document through sign, reception, and authorization,
// appending one sync-log entry per state transition.
type Engine struct {
	store     Store
	signer    Signer
	client    Authority
	log       synclog.Store
	scheduler RetryScheduler
	dispatch  Dispatcher
	cfg       Config
	logger    *slog.Logger
	inflight  *inflight
	metrics   MetricsRecorder
}

// SetMetrics attaches an outcome recorder. Optional; nil means no counters.
func (e *Engine) SetMetrics(m MetricsRecorder) { e.metrics = m }

// NewEngine constructs Engine. scheduler and dispatch may be nil in tests or
// single-process setups without a worker.
func NewEngine(store Store, signer Signer, client Authority, log synclog.Store, scheduler RetryScheduler, dispatch Dispatcher, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * time.Minute
	}
	return &Engine{
		store:     store,
		signer:    signer,
		client:    client,
		log:       log,
		scheduler: scheduler,
		dispatch:  dispatch,
		cfg:       cfg,
		logger:    logger,
		inflight:  newInflight(),
	}
}

// Submit runs one full pass for the document and returns its resulting
// snapshot. Transport failures do not surface as errors; they move the
// document to AUTHORITY_ERROR and schedule a retry, which the snapshot shows.
func (e *Engine) Submit(ctx context.Context, accessKey string) (*invoice.Invoice, error) {
	if !e.inflight.acquire(accessKey) {
		return nil, ErrAlreadyInFlight
	}
	defer e.inflight.release(accessKey)

	if err := e.run(ctx, accessKey); err != nil {
		return nil, err
	}
	inv, err := e.store.Get(ctx, accessKey)
	if err == nil && e.metrics != nil {
		e.metrics.ObserveSubmission(string(inv.Status))
	}
	return inv, err
}

// Cancel abandons a document that has not reached a terminal state. The
// allocated sequential and access key stay burned.
func (e *Engine) Cancel(ctx context.Context, accessKey string) (*invoice.Invoice, error) {
	if !e.inflight.acquire(accessKey) {
		return nil, ErrAlreadyInFlight
	}
	defer e.inflight.release(accessKey)

	inv, err := e.store.Get(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		return nil, invoice.ErrTerminal
	}
	if err := e.append(ctx, accessKey, synclog.ActionCancel, synclog.StatusInfo, "cancelled by operator", "", ""); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStatus(ctx, accessKey, invoice.StatusAbandoned, "cancelled by operator"); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, accessKey)
}

// Sweep re-drives documents stuck in a recoverable state. Called by the
// periodic job; keys already in flight are skipped silently.
func (e *Engine) Sweep(ctx context.Context, limit int) (int, error) {
	keys, err := e.store.Recoverable(ctx, limit)
	if err != nil {
		return 0, err
	}
	driven := 0
	for _, key := range keys {
		if _, err := e.Submit(ctx, key); err != nil {
			if errors.Is(err, ErrAlreadyInFlight) || errors.Is(err, invoice.ErrTerminal) {
				continue
			}
			e.logger.Warn("sweep pass failed", "access_key", key, "error", err)
			continue
		}
		driven++
	}
	return driven, nil
}

func (e *Engine) run(ctx context.Context, accessKey string) error {
	inv, err := e.store.Get(ctx, accessKey)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		return invoice.ErrTerminal
	}

	if inv.Status == invoice.StatusDraft {
		if err := e.sign(ctx, inv); err != nil {
			return err
		}
	}

	if inv.Status == invoice.StatusSigned || inv.Status == invoice.StatusAuthorityError {
		done, err := e.reception(ctx, inv)
		if err != nil || done {
			return err
		}
	}

	if inv.Status == invoice.StatusSubmitted {
		return e.authorization(ctx, inv)
	}
	return nil
}

// sign moves DRAFT to SIGNED. A signing failure leaves the document in
// DRAFT; the operator fixes the certificate and retries.
func (e *Engine) sign(ctx context.Context, inv *invoice.Invoice) error {
	signed, err := e.signer.Sign(inv.UnsignedXML)
	if err != nil {
		if lerr := e.append(ctx, inv.AccessKey, synclog.ActionSign, synclog.StatusError, err.Error(), "", ""); lerr != nil {
			return lerr
		}
		return err
	}
	if err := e.append(ctx, inv.AccessKey, synclog.ActionSign, synclog.StatusOK, "document signed", "", ""); err != nil {
		return err
	}
	if err := e.store.SetSigned(ctx, inv.AccessKey, signed); err != nil {
		return err
	}
	inv.SignedXML = signed
	inv.Status = invoice.StatusSigned
	return nil
}

// reception sends the signed payload to the authority. It reports done=true
// when the pass must stop here (rejection, transport failure).
func (e *Engine) reception(ctx context.Context, inv *invoice.Invoice) (bool, error) {
	attempts, err := e.store.IncrementAttempts(ctx, inv.AccessKey)
	if err != nil {
		return true, err
	}

	resp, req, raw, err := e.client.Submit(ctx, inv.SignedXML)
	if err != nil {
		return true, e.transportFailure(ctx, inv, synclog.ActionSubmit, attempts, req, raw, err)
	}

	if resp.State == authority.ReceptionReturned {
		detail := receptionDetail(resp)
		if lerr := e.append(ctx, inv.AccessKey, synclog.ActionSubmit, synclog.StatusError, detail, req, raw); lerr != nil {
			return true, lerr
		}
		if uerr := e.store.UpdateStatus(ctx, inv.AccessKey, invoice.StatusRejected, detail); uerr != nil {
			return true, uerr
		}
		inv.Status = invoice.StatusRejected
		return true, nil
	}

	if lerr := e.append(ctx, inv.AccessKey, synclog.ActionSubmit, synclog.StatusOK, "received by authority", req, raw); lerr != nil {
		return true, lerr
	}
	if uerr := e.store.UpdateStatus(ctx, inv.AccessKey, invoice.StatusSubmitted, ""); uerr != nil {
		return true, uerr
	}
	inv.Status = invoice.StatusSubmitted
	return false, nil
}

// authorization polls the authority for a verdict on a SUBMITTED document.
func (e *Engine) authorization(ctx context.Context, inv *invoice.Invoice) error {
	resp, req, raw, err := e.client.Authorize(ctx, inv.AccessKey)
	if err != nil {
		attempts := inv.Attempts
		if attempts < 1 {
			attempts = 1
		}
		return e.transportFailure(ctx, inv, synclog.ActionAuthorize, attempts, req, raw, err)
	}

	auths := resp.Authorizations.Authorization
	if len(auths) == 0 {
		// Still processing on the authority side. Come back later
		// without burning an attempt.
		if lerr := e.append(ctx, inv.AccessKey, synclog.ActionAuthorize, synclog.StatusInfo, "authorization pending", req, raw); lerr != nil {
			return lerr
		}
		e.schedule(ctx, inv.AccessKey, 1)
		return nil
	}

	verdict := auths[0]
	if verdict.State == authority.StatusAuthorized {
		if lerr := e.append(ctx, inv.AccessKey, synclog.ActionAuthorize, synclog.StatusOK, "authorized "+verdict.Number, req, raw); lerr != nil {
			return lerr
		}
		if err := e.store.SetAuthorization(ctx, inv.AccessKey, verdict.Number, verdict.AuthorizedAt); err != nil {
			return err
		}
		inv.Status = invoice.StatusAuthorized
		if e.dispatch != nil {
			if derr := e.dispatch.InvoiceAuthorized(ctx, inv.AccessKey); derr != nil {
				e.logger.Warn("post-authorization dispatch failed", "access_key", inv.AccessKey, "error", derr)
			}
		}
		return nil
	}

	detail := authority.JoinMessages(verdict.Messages.Message)
	if detail == "" {
		detail = "not authorized"
	}
	if lerr := e.append(ctx, inv.AccessKey, synclog.ActionAuthorize, synclog.StatusError, detail, req, raw); lerr != nil {
		return lerr
	}
	if err := e.store.UpdateStatus(ctx, inv.AccessKey, invoice.StatusRejected, detail); err != nil {
		return err
	}
	inv.Status = invoice.StatusRejected
	return nil
}

// transportFailure handles a network or authority outage: the document moves
// to AUTHORITY_ERROR and a retry is scheduled, or to ABANDONED once the
// attempt budget is spent. Each outcome writes exactly one log entry.
func (e *Engine) transportFailure(ctx context.Context, inv *invoice.Invoice, action string, attempts int, req, raw string, cause error) error {
	if attempts >= e.cfg.MaxAttempts {
		detail := fmt.Sprintf("abandoned after %d attempts: %v", attempts, cause)
		if lerr := e.append(ctx, inv.AccessKey, action, synclog.StatusError, detail, req, raw); lerr != nil {
			return lerr
		}
		if uerr := e.store.UpdateStatus(ctx, inv.AccessKey, invoice.StatusAbandoned, detail); uerr != nil {
			return uerr
		}
		inv.Status = invoice.StatusAbandoned
		return nil
	}

	if lerr := e.append(ctx, inv.AccessKey, action, synclog.StatusError, cause.Error(), req, raw); lerr != nil {
		return lerr
	}
	if uerr := e.store.UpdateStatus(ctx, inv.AccessKey, invoice.StatusAuthorityError, cause.Error()); uerr != nil {
		return uerr
	}
	inv.Status = invoice.StatusAuthorityError
	e.schedule(ctx, inv.AccessKey, attempts)
	return nil
}

func (e *Engine) schedule(ctx context.Context, accessKey string, attempts int) {
	if e.scheduler == nil {
		return
	}
	delay := backoffDelay(attempts, e.cfg.BaseDelay, e.cfg.MaxDelay)
	if err := e.scheduler.ScheduleRetry(ctx, accessKey, delay); err != nil {
		e.logger.Error("retry scheduling failed, sweep will recover", "access_key", accessKey, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveRetryScheduled()
	}
	e.logger.Info("retry scheduled", "access_key", accessKey, "delay", delay, "attempts", attempts)
}

// append writes the log entry before the state change it describes. When the
// append fails the transition is not applied, so log and state never diverge
// in the direction of a silent transition.
func (e *Engine) append(ctx context.Context, accessKey, action, status, detail, req, raw string) error {
	return e.log.Append(ctx, synclog.Entry{
		AccessKey: accessKey,
		Action:    action,
		Status:    status,
		Detail:    detail,
		Request:   req,
		Response:  raw,
		At:        time.Now().UTC(),
	})
}

func receptionDetail(resp *authority.ReceptionResponse) string {
	for _, doc := range resp.Documents.Document {
		if msg := authority.JoinMessages(doc.Messages.Message); msg != "" {
			return msg
		}
	}
	return "returned by authority"
}
