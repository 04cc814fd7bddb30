package erpsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

// retryBaseDelay is the first backoff step for transient submission retries.
const retryBaseDelay = 500 * time.Millisecond

// Orchestrator drives one run: fetch, then for each invoice
// map -> submit -> write-back, isolating per-invoice failure and rolling the
// outcomes into a RunSummary. Per-invoice errors never escape a run; only a
// fetch failure does, as *FatalRunError.
type Orchestrator struct {
	provider      BillingProvider
	submitter     ErpSubmitter
	notifier      Notifier
	logger        *logrus.Logger
	retryAttempts int
	workers       int
}

func NewOrchestrator(provider BillingProvider, submitter ErpSubmitter, notifier Notifier, logger *logrus.Logger, settings *config.Settings) *Orchestrator {
	workers := settings.SyncWorkers
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		provider:      provider,
		submitter:     submitter,
		notifier:      notifier,
		logger:        logger,
		retryAttempts: settings.RetryAttempts,
		workers:       workers,
	}
}

// Run executes the pipeline over [from, to). A fetch failure aborts before
// any invoice state exists and escalates at critical severity. Per-invoice
// failures are converted to Failed outcomes; if any exist after the run, a
// single error-severity escalation fires.
func (o *Orchestrator) Run(ctx context.Context, from time.Time, to time.Time) (FinalSummary, error) {
	ctx, span := otel.Tracer("erpsync").Start(ctx, "invoice-sync-run")
	defer span.End()

	invoices, err := o.provider.FetchUnprocessedInvoices(ctx, from, to)
	if err != nil {
		fatal := &FatalRunError{Err: err}
		o.escalate(ctx, SeverityCritical, fatal.Error())
		return FinalSummary{}, fatal
	}
	span.SetAttributes(attribute.Int("invoices.fetched", len(invoices)))

	summary := NewRunSummary()
	if o.workers <= 1 {
		o.runSequential(ctx, invoices, summary)
	} else {
		o.runPooled(ctx, invoices, summary)
	}

	final := summary.Finalize()
	span.SetAttributes(
		attribute.Int("invoices.succeeded", final.Succeeded),
		attribute.Int("invoices.failed", final.Failed),
	)

	if final.Failed > 0 {
		o.escalate(ctx, SeverityError,
			fmt.Sprintf("invoice sync finished with %d failed invoice(s) out of %d", final.Failed, final.Failed+final.Succeeded))
	}
	return final, nil
}

// runSequential is the reference behavior: one invoice completes its full
// state machine before the next begins. Cancellation stops dispatching new
// invoices; the in-flight one always reaches a terminal state.
func (o *Orchestrator) runSequential(ctx context.Context, invoices []SourceInvoice, summary *RunSummary) {
	for _, invoice := range invoices {
		select {
		case <-ctx.Done():
			return
		default:
		}
		summary.Add(o.processInvoice(ctx, invoice))
	}
}

// runPooled fans invoices out over a fixed-size worker pool. Invoices have
// no cross-invoice ordering dependency, and each invoice number is
// dispatched exactly once, so no two workers ever write back the same
// reference. The shared token refresh is serialized inside the gateway.
func (o *Orchestrator) runPooled(ctx context.Context, invoices []SourceInvoice, summary *RunSummary) {
	jobs := make(chan SourceInvoice)
	var wg sync.WaitGroup

	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for invoice := range jobs {
				summary.Add(o.processInvoice(ctx, invoice))
			}
		}()
	}

dispatch:
	for _, invoice := range invoices {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- invoice:
		}
	}
	close(jobs)
	wg.Wait()
}

// processInvoice walks one invoice through
// Fetched -> Mapped -> Submitted -> {Confirmed | Failed}. Every failure
// branch returns a terminal outcome; nothing panics or unwinds.
func (o *Orchestrator) processInvoice(ctx context.Context, src SourceInvoice) SyncOutcome {
	target, err := Map(src)
	if err != nil {
		mappingErr := &MappingError{InvoiceNumber: src.InvoiceNumber, Err: err}
		o.logFailure(ctx, src.InvoiceNumber, mappingErr)
		return SyncOutcome{
			InvoiceNumber: src.InvoiceNumber,
			Status:        models.OutcomeStatusFailed,
			Err:           mappingErr,
		}
	}

	erpId, err := o.submitWithRetry(ctx, target)
	if err != nil {
		o.logFailure(ctx, src.InvoiceNumber, err)
		return SyncOutcome{
			InvoiceNumber: src.InvoiceNumber,
			Status:        models.OutcomeStatusFailed,
			Err:           err,
		}
	}

	if err := o.provider.WriteBackReference(ctx, src.InvoiceNumber, erpId); err != nil {
		// The ERP already holds this invoice. Surface the inconsistency
		// instead of hiding it so operators can reconcile before the next
		// run re-submits.
		reconciliationErr := &ReconciliationError{
			InvoiceNumber: src.InvoiceNumber,
			ErpInvoiceId:  erpId,
			Err:           err,
		}
		o.logFailure(ctx, src.InvoiceNumber, reconciliationErr)
		return SyncOutcome{
			InvoiceNumber: src.InvoiceNumber,
			Status:        models.OutcomeStatusFailed,
			ErpInvoiceId:  erpId,
			Err:           reconciliationErr,
		}
	}

	return SyncOutcome{
		InvoiceNumber: src.InvoiceNumber,
		Status:        models.OutcomeStatusSucceeded,
		ErpInvoiceId:  erpId,
	}
}

// submitWithRetry retries transient submission failures up to the configured
// ceiling. Auth failures are already resolved inside the gateway (one
// refresh, one retry); non-retryable rejections come straight back.
func (o *Orchestrator) submitWithRetry(ctx context.Context, target TargetInvoice) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= o.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(delay):
			}
		}

		erpId, err := o.submitter.Submit(ctx, target)
		if err == nil {
			return erpId, nil
		}
		lastErr = err

		var subErr *SubmissionError
		if !errors.As(err, &subErr) || !subErr.Retryable() {
			return "", err
		}
	}
	return "", lastErr
}

func (o *Orchestrator) escalate(ctx context.Context, severity string, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, severity, message); err != nil {
		config.LogError(o.logger, "erpsync", "escalate", severity, nil, err)
	}
}

func (o *Orchestrator) logFailure(ctx context.Context, invoiceNumber string, err error) {
	runId, _ := utils.GetRunIdFromContext(ctx)
	o.logger.WithFields(logrus.Fields{
		"module":         "erpsync",
		"invoice_number": invoiceNumber,
		"error_kind":     ErrorKind(err),
		"run_id":         runId,
	}).Error(err.Error())
}
