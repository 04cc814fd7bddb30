package erpsync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

// ErrRunInProgress means another run currently holds the sync lock. The
// provider's "unprocessed" filter is not transaction-safe against concurrent
// runs, so overlap is refused outright.
var ErrRunInProgress = errors.New("an invoice sync run is already in progress")

const (
	runLockKey = "erpsync:invoice-run"
	runLockTTL = 15 * time.Minute
)

// Service wraps the orchestrator with run persistence, the overlap lock and
// artifact archival. Handlers, the scheduler and the Pub/Sub worker all go
// through it.
type Service struct {
	orch     *Orchestrator
	store    RunStore
	locker   *redislock.Client
	settings *config.Settings
	logger   *logrus.Logger
}

func NewService(orch *Orchestrator, store RunStore, locker *redislock.Client, settings *config.Settings, logger *logrus.Logger) *Service {
	return &Service{
		orch:     orch,
		store:    store,
		locker:   locker,
		settings: settings,
		logger:   logger,
	}
}

// ExecuteRun creates a run row for the window and drives it to completion.
// The returned error is non-nil only for run-level failures (overlap, fatal
// fetch); per-invoice failures live in the summary.
func (s *Service) ExecuteRun(ctx context.Context, from time.Time, to time.Time, triggeredBy string, parentRunId *uint) (*models.SyncRun, FinalSummary, error) {
	run := &models.SyncRun{
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: triggeredBy,
		FromDate:    from,
		ToDate:      to,
		ParentRunId: parentRunId,
	}
	if s.store != nil {
		if err := s.store.CreateRun(ctx, run); err != nil {
			return nil, FinalSummary{}, err
		}
	}
	final, err := s.executeRun(ctx, run)
	return run, final, err
}

// ExecuteQueuedRun drives a previously created run (Pub/Sub delivery).
// Terminal runs are skipped so redelivery stays harmless.
func (s *Service) ExecuteQueuedRun(ctx context.Context, runId uint) error {
	if s.store == nil {
		return errors.New("run store not configured")
	}
	run, err := s.store.GetRun(ctx, runId)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusFailed, models.SyncRunStatusPartial:
		return nil
	}
	_, err = s.executeRun(ctx, run)
	return err
}

func (s *Service) executeRun(ctx context.Context, run *models.SyncRun) (FinalSummary, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, runLockKey, runLockTTL, nil)
		if err == redislock.ErrNotObtained {
			return FinalSummary{}, ErrRunInProgress
		}
		if err != nil {
			return FinalSummary{}, err
		}
		defer lock.Release(context.Background())

		// A large batch with retry backoff can outlive the TTL, which would
		// silently drop the overlap guard mid-run.
		refreshDone := make(chan struct{})
		defer close(refreshDone)
		go keepLockFresh(refreshDone, lock, runLockTTL, s.logger)
	}

	ctx = utils.SetRunIdInContext(ctx, run.ID)
	startedAt := time.Now()
	if s.store != nil {
		if err := s.store.MarkRunning(ctx, run.ID, startedAt); err != nil {
			return FinalSummary{}, err
		}
	}

	final, runErr := s.orch.Run(ctx, run.FromDate, run.ToDate)
	finishedAt := time.Now()

	run.Succeeded = final.Succeeded
	run.Failed = final.Failed
	run.StartedAt = &startedAt
	run.FinishedAt = &finishedAt
	run.DurationMs = finishedAt.Sub(startedAt).Milliseconds()
	run.Status = runStatus(final, runErr)
	if runErr != nil {
		run.FatalError = runErr.Error()
	}

	if s.store != nil {
		if err := s.store.RecordOutcomes(ctx, run.ID, final.Outcomes); err != nil {
			config.LogError(s.logger, "erpsync", "executeRun", "record outcomes", run.ID, err)
		}
		for _, outcome := range final.FailedOutcomes {
			var reconciliationErr *ReconciliationError
			if errors.As(outcome.Err, &reconciliationErr) {
				if err := s.store.RecordDeadLetter(ctx, run.ID, outcome.InvoiceNumber, outcome.ErpInvoiceId, outcome.Err.Error()); err != nil {
					config.LogError(s.logger, "erpsync", "executeRun", "record dead letter", outcome.InvoiceNumber, err)
				}
			}
		}
		if err := s.store.FinishRun(ctx, run); err != nil {
			config.LogError(s.logger, "erpsync", "executeRun", "finish run", run.ID, err)
		}
	}

	if runErr == nil && s.settings != nil && s.settings.ArtifactBucket != "" {
		if err := ArchiveRunArtifact(ctx, s.settings.ArtifactBucket, run, final); err != nil {
			config.LogError(s.logger, "erpsync", "executeRun", "archive artifact", run.ID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"module":    "erpsync",
		"run_id":    run.ID,
		"status":    run.Status,
		"succeeded": run.Succeeded,
		"failed":    run.Failed,
	}).Info("invoice sync run finished")

	return final, runErr
}

type lockRefresher interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
}

// keepLockFresh extends the run lock until done closes. Refresh failures are
// logged and the run continues; losing the lock is no worse than the fixed
// TTL expiring.
func keepLockFresh(done <-chan struct{}, lock lockRefresher, ttl time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := lock.Refresh(context.Background(), ttl, nil); err != nil {
				config.LogError(logger, "erpsync", "keepLockFresh", "refresh run lock", nil, err)
			}
		}
	}
}

func runStatus(final FinalSummary, runErr error) string {
	switch {
	case runErr != nil:
		return models.SyncRunStatusFailed
	case final.Failed == 0:
		return models.SyncRunStatusSuccess
	case final.Succeeded == 0:
		return models.SyncRunStatusFailed
	default:
		return models.SyncRunStatusPartial
	}
}
