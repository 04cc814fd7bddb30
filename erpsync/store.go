package erpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

// RunStore persists run history, per-invoice outcomes and dead letters. The
// orchestrator itself never touches it; the service layer records state
// around each run so the engine stays DB-free and testable.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	MarkRunning(ctx context.Context, runId uint, startedAt time.Time) error
	FinishRun(ctx context.Context, run *models.SyncRun) error
	RecordOutcomes(ctx context.Context, runId uint, outcomes []SyncOutcome) error
	RecordDeadLetter(ctx context.Context, runId uint, invoiceNumber string, erpInvoiceId string, message string) error

	GetRun(ctx context.Context, runId uint) (*models.SyncRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	ListOutcomes(ctx context.Context, runId uint) ([]models.SyncOutcomeRecord, error)
	LastRun(ctx context.Context) (*models.SyncRun, error)
	LastSuccessRun(ctx context.Context) (*models.SyncRun, error)
}

type gormRunStore struct {
	db *gorm.DB
}

func NewRunStore(db *gorm.DB) RunStore {
	return &gormRunStore{db: db}
}

func (s *gormRunStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *gormRunStore) MarkRunning(ctx context.Context, runId uint, startedAt time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("id = ?", runId).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": startedAt,
		}).Error
}

func (s *gormRunStore) FinishRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":      run.Status,
			"succeeded":   run.Succeeded,
			"failed":      run.Failed,
			"fatal_error": run.FatalError,
			"finished_at": run.FinishedAt,
			"duration_ms": run.DurationMs,
		}).Error
}

func (s *gormRunStore) RecordOutcomes(ctx context.Context, runId uint, outcomes []SyncOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	records := make([]models.SyncOutcomeRecord, 0, len(outcomes))
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
		records = append(records, record)
	}
	return s.db.WithContext(ctx).Create(&records).Error
}

func (s *gormRunStore) RecordDeadLetter(ctx context.Context, runId uint, invoiceNumber string, erpInvoiceId string, message string) error {
	letter := models.SyncDeadLetter{
		SyncRunId:     runId,
		InvoiceNumber: invoiceNumber,
		ErpInvoiceId:  erpInvoiceId,
		Message:       message,
	}
	return s.db.WithContext(ctx).Create(&letter).Error
}

func (s *gormRunStore) GetRun(ctx context.Context, runId uint) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := s.db.WithContext(ctx).Where("id = ?", runId).Take(&run).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (s *gormRunStore) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func (s *gormRunStore) ListOutcomes(ctx context.Context, runId uint) ([]models.SyncOutcomeRecord, error) {
	var records []models.SyncOutcomeRecord
	err := s.db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id asc").Find(&records).Error
	return records, err
}

func (s *gormRunStore) LastRun(ctx context.Context) (*models.SyncRun, error) {
	var run models.SyncRun
	err := s.db.WithContext(ctx).Order("id desc").Take(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (s *gormRunStore) LastSuccessRun(ctx context.Context) (*models.SyncRun, error) {
	var run models.SyncRun
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SyncRunStatusSuccess).
		Order("id desc").
		Take(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

type runArtifact struct {
	RunId      uint              `json:"run_id"`
	Status     string            `json:"status"`
	FromDate   string            `json:"from_date"`
	ToDate     string            `json:"to_date"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	FatalError string            `json:"fatal_error,omitempty"`
	Outcomes   []OutcomeResponse `json:"outcomes"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// ArchiveRunArtifact uploads the finalized summary as a JSON object for
// audit. Best effort; callers log and move on when it fails. The object name
// is derived from the run id, so a redelivered run never re-uploads.
func ArchiveRunArtifact(ctx context.Context, bucket string, run *models.SyncRun, final FinalSummary) error {
	if bucket == "" {
		return nil
	}

	objectName := fmt.Sprintf("sync-runs/%s/run-%d.json", run.CreatedAt.UTC().Format("2006/01/02"), run.ID)
	if exists, err := utils.ObjectExistsInGCS(ctx, bucket, objectName); err == nil && exists {
		return nil
	}

	artifact := runArtifact{
		RunId:      run.ID,
		Status:     run.Status,
		FromDate:   run.FromDate.UTC().Format("2006-01-02"),
		ToDate:     run.ToDate.UTC().Format("2006-01-02"),
		Succeeded:  final.Succeeded,
		Failed:     final.Failed,
		FatalError: run.FatalError,
		ArchivedAt: time.Now().UTC(),
	}
	for _, outcome := range final.Outcomes {
		resp := OutcomeResponse{
			InvoiceNumber: outcome.InvoiceNumber,
			Status:        outcome.Status,
			ErpInvoiceId:  outcome.ErpInvoiceId,
		}
		if outcome.Err != nil {
			resp.ErrorKind = ErrorKind(outcome.Err)
			resp.ErrorMessage = outcome.Err.Error()
		}
		artifact.Outcomes = append(artifact.Outcomes, resp)
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return utils.UploadBytesToGCS(ctx, bucket, objectName, data, "application/json")
}
