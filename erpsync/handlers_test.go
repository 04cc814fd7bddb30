package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

type memoryRunStore struct {
	mu       sync.Mutex
	nextId   uint
	runs     map[uint]*models.SyncRun
	outcomes map[uint][]models.SyncOutcomeRecord
	letters  []models.SyncDeadLetter
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{runs: map[uint]*models.SyncRun{}, outcomes: map[uint][]models.SyncOutcomeRecord{}}
}

func (s *memoryRunStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextId++
	run.ID = s.nextId
	run.CreatedAt = time.Now()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memoryRunStore) MarkRunning(ctx context.Context, runId uint, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runId]; ok {
		run.Status = models.SyncRunStatusRunning
		run.StartedAt = &startedAt
	}
	return nil
}

func (s *memoryRunStore) FinishRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memoryRunStore) RecordOutcomes(ctx context.Context, runId uint, outcomes []SyncOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, outcome := range outcomes {
		record := models.SyncOutcomeRecord{
			SyncRunId:     runId,
			InvoiceNumber: outcome.InvoiceNumber,
			Status:        outcome.Status,
			ErpInvoiceId:  outcome.ErpInvoiceId,
		}
		if outcome.Err != nil {
			record.ErrorKind = ErrorKind(outcome.Err)
			record.ErrorMessage = outcome.Err.Error()
		}
		s.outcomes[runId] = append(s.outcomes[runId], record)
	}
	return nil
}

func (s *memoryRunStore) RecordDeadLetter(ctx context.Context, runId uint, invoiceNumber, erpInvoiceId, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, models.SyncDeadLetter{
		SyncRunId:     runId,
		InvoiceNumber: invoiceNumber,
		ErpInvoiceId:  erpInvoiceId,
		Message:       message,
	})
	return nil
}

func (s *memoryRunStore) GetRun(ctx context.Context, runId uint) (*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runId]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *memoryRunStore) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []models.SyncRun
	for id := s.nextId; id >= 1 && len(runs) < limit; id-- {
		if run, ok := s.runs[id]; ok {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

func (s *memoryRunStore) ListOutcomes(ctx context.Context, runId uint) ([]models.SyncOutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SyncOutcomeRecord(nil), s.outcomes[runId]...), nil
}

func (s *memoryRunStore) LastRun(ctx context.Context) (*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextId == 0 {
		return nil, nil
	}
	copied := *s.runs[s.nextId]
	return &copied, nil
}

func (s *memoryRunStore) LastSuccessRun(ctx context.Context) (*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := s.nextId; id >= 1; id-- {
		if run, ok := s.runs[id]; ok && run.Status == models.SyncRunStatusSuccess {
			copied := *run
			return &copied, nil
		}
	}
	return nil, nil
}

func testService(provider BillingProvider, store RunStore) *Service {
	orch := testOrchestrator(provider, newFakeSubmitter(), &fakeNotifier{}, 1)
	return NewService(orch, store, nil, nil, testLogger())
}

func testRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/sync/invoices/run", RunInvoiceSyncHandler(svc))
	r.GET("/api/sync/invoices/status", StatusHandler(svc))
	r.GET("/api/sync/invoices/runs", RunHistoryHandler(svc))
	r.GET("/api/sync/invoices/runs/:id", RunDetailHandler(svc))
	return r
}

func TestRunHandler_MissingDatesRejected(t *testing.T) {
	r := testRouter(testService(newFakeProvider(), newMemoryRunStore()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sync/invoices/run", strings.NewReader(`{"FromDate":"2026-03-01"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	if resp["error"] == "" {
		t.Fatal("expected an error message")
	}
}

func TestRunHandler_SuccessMessageEchoesWindow(t *testing.T) {
	store := newMemoryRunStore()
	r := testRouter(testService(newFakeProvider(invoiceFixture(2)...), store))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sync/invoices/run",
		strings.NewReader(`{"FromDate":"2026-03-01","ToDate":"2026-03-31"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp["status"] != "success" {
		t.Fatalf("expected status success, got %q", resp["status"])
	}
	if resp["message"] != "Processed invoices from 2026-03-01 to 2026-03-31" {
		t.Fatalf("unexpected message: %q", resp["message"])
	}

	run, err := store.LastRun(context.Background())
	if err != nil || run == nil {
		t.Fatalf("expected persisted run, got %v %v", run, err)
	}
	if run.Status != models.SyncRunStatusSuccess || run.Succeeded != 2 {
		t.Fatalf("unexpected run row: %+v", run)
	}
	// Inclusive ToDate becomes an exclusive bound one day later.
	if !run.ToDate.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected exclusive ToDate 2026-04-01, got %s", run.ToDate)
	}
}

func TestRunHandler_FatalFetchBecomesBadGateway(t *testing.T) {
	provider := newFakeProvider()
	provider.fetchErr = errors.New("billing db unreachable")
	r := testRouter(testService(provider, newMemoryRunStore()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sync/invoices/run",
		strings.NewReader(`{"FromDate":"2026-03-01","ToDate":"2026-03-02"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !strings.Contains(resp["error"], "aborted") {
		t.Fatalf("expected abort message, got %q", resp["error"])
	}
}

func TestRunHandler_InvalidDateRejected(t *testing.T) {
	r := testRouter(testService(newFakeProvider(), newMemoryRunStore()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sync/invoices/run",
		strings.NewReader(`{"FromDate":"03/01/2026","ToDate":"2026-03-31"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRunDetailHandler_ReturnsOutcomes(t *testing.T) {
	store := newMemoryRunStore()
	provider := newFakeProvider(invoiceFixture(2)...)
	provider.writeErrBy["INV-2"] = errors.New("row vanished")
	svc := testService(provider, store)
	r := testRouter(svc)

	if _, _, err := svc.ExecuteRun(context.Background(), time.Time{}, time.Time{}, models.SyncTriggeredManual, nil); err != nil {
		t.Fatalf("ExecuteRun error: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sync/invoices/runs/1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp RunDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Status != models.SyncRunStatusPartial {
		t.Fatalf("expected partial, got %s", resp.Status)
	}
	if len(resp.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(resp.Outcomes))
	}
	var reconciliation *OutcomeResponse
	for i := range resp.Outcomes {
		if resp.Outcomes[i].ErrorKind == "reconciliation" {
			reconciliation = &resp.Outcomes[i]
		}
	}
	if reconciliation == nil {
		t.Fatalf("expected a reconciliation outcome: %+v", resp.Outcomes)
	}
	if reconciliation.ErpInvoiceId == "" {
		t.Fatal("reconciliation outcome must carry the erp id")
	}
	if len(store.letters) != 1 || store.letters[0].InvoiceNumber != "INV-2" {
		t.Fatalf("expected a dead letter for INV-2, got %+v", store.letters)
	}
}

func TestRunDetailHandler_UnknownRunIs404(t *testing.T) {
	r := testRouter(testService(newFakeProvider(), newMemoryRunStore()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sync/invoices/runs/99", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStatusHandler_ReportsLastRuns(t *testing.T) {
	store := newMemoryRunStore()
	svc := testService(newFakeProvider(invoiceFixture(1)...), store)
	r := testRouter(svc)

	if _, _, err := svc.ExecuteRun(context.Background(), time.Time{}, time.Time{}, models.SyncTriggeredManual, nil); err != nil {
		t.Fatalf("ExecuteRun error: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sync/invoices/status", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.LastRun == nil || resp.LastSuccessRun == nil {
		t.Fatalf("expected both runs populated: %+v", resp)
	}
	if resp.LastRun.ID != resp.LastSuccessRun.ID {
		t.Fatalf("expected same run, got %d vs %d", resp.LastRun.ID, resp.LastSuccessRun.ID)
	}
}
