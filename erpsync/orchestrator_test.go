package erpsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/models"
)

// NOTE: These tests are intentionally DB-free. The provider, submitter and
// notifier are hand-rolled fakes; they validate the run semantics:
// - per-invoice failures never abort a run
// - a fetch failure aborts before any invoice state exists
// - escalation fires exactly once per run, and only when warranted

type fakeProvider struct {
	mu         sync.Mutex
	invoices   []SourceInvoice
	fetchErr   error
	writeErrBy map[string]error
	writes     map[string]string
}

func newFakeProvider(invoices ...SourceInvoice) *fakeProvider {
	return &fakeProvider{
		invoices:   invoices,
		writeErrBy: map[string]error{},
		writes:     map[string]string{},
	}
}

func (p *fakeProvider) FetchUnprocessedInvoices(ctx context.Context, from, to time.Time) ([]SourceInvoice, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.invoices, nil
}

func (p *fakeProvider) WriteBackReference(ctx context.Context, invoiceNumber, erpReference string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeErrBy[invoiceNumber]; err != nil {
		return err
	}
	p.writes[invoiceNumber] = erpReference
	return nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	errBy map[string]error
	calls map[string]int
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{errBy: map[string]error{}, calls: map[string]int{}}
}

func (s *fakeSubmitter) Submit(ctx context.Context, target TargetInvoice) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[target.ExternalReference]++
	if err := s.errBy[target.ExternalReference]; err != nil {
		return "", err
	}
	return "erp-" + target.ExternalReference, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, severity, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, severity+": "+message)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOrchestrator(provider BillingProvider, submitter ErpSubmitter, notifier Notifier, workers int) *Orchestrator {
	settings := &config.Settings{RetryAttempts: 0, SyncWorkers: workers}
	return NewOrchestrator(provider, submitter, notifier, testLogger(), settings)
}

func invoiceFixture(n int) []SourceInvoice {
	invoices := make([]SourceInvoice, 0, n)
	for i := 1; i <= n; i++ {
		invoices = append(invoices, SourceInvoice{
			InvoiceNumber: fmt.Sprintf("INV-%d", i),
			CustomerCode:  "CUST-1",
			InvoiceDate:   time.Date(2026, 3, i, 0, 0, 0, 0, time.UTC),
			DueDate:       time.Date(2026, 4, i, 0, 0, 0, 0, time.UTC),
			CurrencyCode:  "MMK",
			Lines: []SourceInvoiceLine{
				{ProductCode: "SKU", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(100)},
			},
		})
	}
	return invoices
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	provider := newFakeProvider(invoiceFixture(5)...)
	submitter := newFakeSubmitter()
	submitter.errBy["INV-2"] = &SubmissionError{InvoiceNumber: "INV-2", StatusCode: 422, Body: "bad customer"}
	submitter.errBy["INV-4"] = &SubmissionError{InvoiceNumber: "INV-4", StatusCode: 400, Body: "bad currency"}
	notifier := &fakeNotifier{}

	final, err := testOrchestrator(provider, submitter, notifier, 1).Run(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if final.Succeeded != 3 || final.Failed != 2 {
		t.Fatalf("expected 3/2, got %d/%d", final.Succeeded, final.Failed)
	}
	if len(final.Outcomes) != 5 {
		t.Fatalf("expected an outcome per invoice, got %d", len(final.Outcomes))
	}
	for _, n := range []string{"INV-1", "INV-3", "INV-5"} {
		if provider.writes[n] != "erp-"+n {
			t.Fatalf("expected write-back for %s, got %q", n, provider.writes[n])
		}
	}
	if _, ok := provider.writes["INV-2"]; ok {
		t.Fatal("failed invoice must not get a write-back")
	}
	if len(notifier.messages) != 1 || !strings.HasPrefix(notifier.messages[0], SeverityError) {
		t.Fatalf("expected one error escalation, got %v", notifier.messages)
	}
}

func TestRun_FetchFailureIsFatal(t *testing.T) {
	provider := newFakeProvider()
	provider.fetchErr = errors.New("billing db unreachable")
	submitter := newFakeSubmitter()
	notifier := &fakeNotifier{}

	final, err := testOrchestrator(provider, submitter, notifier, 1).Run(context.Background(), time.Time{}, time.Time{})
	var fatal *FatalRunError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalRunError, got %v", err)
	}
	if len(final.Outcomes) != 0 {
		t.Fatalf("fatal abort must leave no outcomes, got %d", len(final.Outcomes))
	}
	if len(submitter.calls) != 0 {
		t.Fatal("no invoice may be submitted after a fetch failure")
	}
	if len(notifier.messages) != 1 || !strings.HasPrefix(notifier.messages[0], SeverityCritical) {
		t.Fatalf("expected one critical escalation, got %v", notifier.messages)
	}
}

func TestRun_NoFailuresNoEscalation(t *testing.T) {
	provider := newFakeProvider(invoiceFixture(3)...)
	notifier := &fakeNotifier{}

	final, err := testOrchestrator(provider, newFakeSubmitter(), notifier, 1).Run(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if final.Succeeded != 3 || final.Failed != 0 {
		t.Fatalf("expected 3/0, got %d/%d", final.Succeeded, final.Failed)
	}
	if len(notifier.messages) != 0 {
		t.Fatalf("expected no escalation, got %v", notifier.messages)
	}
}

func TestRun_EmptyWindow(t *testing.T) {
	notifier := &fakeNotifier{}
	final, err := testOrchestrator(newFakeProvider(), newFakeSubmitter(), notifier, 1).Run(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if final.Succeeded != 0 || final.Failed != 0 || len(notifier.messages) != 0 {
		t.Fatalf("empty window must be a clean no-op: %+v %v", final, notifier.messages)
	}
}

func TestRun_WriteBackFailureBecomesReconciliationOutcome(t *testing.T) {
	provider := newFakeProvider(invoiceFixture(1)...)
	provider.writeErrBy["INV-1"] = errors.New("row vanished")
	notifier := &fakeNotifier{}

	final, err := testOrchestrator(provider, newFakeSubmitter(), notifier, 1).Run(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if final.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", final.Failed)
	}
	outcome := final.FailedOutcomes[0]
	if ErrorKind(outcome.Err) != "reconciliation" {
		t.Fatalf("expected reconciliation error, got %s: %v", ErrorKind(outcome.Err), outcome.Err)
	}
	if outcome.ErpInvoiceId != "erp-INV-1" {
		t.Fatalf("reconciliation outcome must carry the erp id, got %q", outcome.ErpInvoiceId)
	}
}

func TestRun_MappingFailureBecomesOutcome(t *testing.T) {
	invoices := invoiceFixture(2)
	invoices[1].CustomerCode = ""
	provider := newFakeProvider(invoices...)
	submitter := newFakeSubmitter()

	final, err := testOrchestrator(provider, submitter, &fakeNotifier{}, 1).Run(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if final.Succeeded != 1 || final.Failed != 1 {
		t.Fatalf("expected 1/1, got %d/%d", final.Succeeded, final.Failed)
	}
	if ErrorKind(final.FailedOutcomes[0].Err) != "mapping" {
		t.Fatalf("expected mapping error, got %v", final.FailedOutcomes[0].Err)
	}
	if submitter.calls["INV-2"] != 0 {
		t.Fatal("unmappable invoice must never reach the gateway")
	}
}

func TestSubmitWithRetry_TransientThenSuccess(t *testing.T) {
	attempts := 0
	submitter := submitFunc(func(ctx context.Context, target TargetInvoice) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &SubmissionError{InvoiceNumber: target.ExternalReference, StatusCode: 503, Body: "try later"}
		}
		return "erp-ok", nil
	})
	o := testOrchestrator(newFakeProvider(), submitter, &fakeNotifier{}, 1)
	o.retryAttempts = 2

	id, err := o.submitWithRetry(context.Background(), TargetInvoice{ExternalReference: "INV-1"})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if id != "erp-ok" || attempts != 3 {
		t.Fatalf("expected success on attempt 3, got id=%s attempts=%d", id, attempts)
	}
}

func TestSubmitWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	submitter := submitFunc(func(ctx context.Context, target TargetInvoice) (string, error) {
		attempts++
		return "", &SubmissionError{InvoiceNumber: target.ExternalReference, StatusCode: 422, Body: "rejected"}
	})
	o := testOrchestrator(newFakeProvider(), submitter, &fakeNotifier{}, 1)
	o.retryAttempts = 5

	if _, err := o.submitWithRetry(context.Background(), TargetInvoice{ExternalReference: "INV-1"}); err == nil {
		t.Fatal("expected terminal error")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable rejection must not be retried, got %d attempts", attempts)
	}
}

func TestRun_CancellationStopsDispatch(t *testing.T) {
	provider := newFakeProvider(invoiceFixture(10)...)
	ctx, cancel := context.WithCancel(context.Background())

	processed := 0
	submitter := submitFunc(func(_ context.Context, target TargetInvoice) (string, error) {
		processed++
		if processed == 2 {
			cancel()
		}
		return "erp-" + target.ExternalReference, nil
	})

	final, err := testOrchestrator(provider, submitter, &fakeNotifier{}, 1).Run(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	// The in-flight invoice completes; nothing new is dispatched after cancel.
	if len(final.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes before cancellation took effect, got %d", len(final.Outcomes))
	}
}

func TestRun_WorkerPoolProcessesEveryInvoiceOnce(t *testing.T) {
	invoices := invoiceFixture(40)
	provider := newFakeProvider(invoices...)
	submitter := newFakeSubmitter()

	final, err := testOrchestrator(provider, submitter, &fakeNotifier{}, 4).Run(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if final.Succeeded != 40 || final.Failed != 0 {
		t.Fatalf("expected 40/0, got %d/%d", final.Succeeded, final.Failed)
	}
	for _, inv := range invoices {
		if submitter.calls[inv.InvoiceNumber] != 1 {
			t.Fatalf("invoice %s submitted %d times", inv.InvoiceNumber, submitter.calls[inv.InvoiceNumber])
		}
	}
}

type submitFunc func(ctx context.Context, target TargetInvoice) (string, error)

func (f submitFunc) Submit(ctx context.Context, target TargetInvoice) (string, error) {
	return f(ctx, target)
}

func TestRunStatusRollup(t *testing.T) {
	cases := []struct {
		succeeded int
		failed    int
		runErr    error
		expected  string
	}{
		{3, 0, nil, models.SyncRunStatusSuccess},
		{0, 0, nil, models.SyncRunStatusSuccess},
		{2, 1, nil, models.SyncRunStatusPartial},
		{0, 3, nil, models.SyncRunStatusFailed},
		{0, 0, &FatalRunError{Err: errors.New("db down")}, models.SyncRunStatusFailed},
	}
	for _, tc := range cases {
		got := runStatus(FinalSummary{Succeeded: tc.succeeded, Failed: tc.failed}, tc.runErr)
		if got != tc.expected {
			t.Fatalf("runStatus(%d, %d, %v) expected %s, got %s",
				tc.succeeded, tc.failed, tc.runErr, tc.expected, got)
		}
	}
}
