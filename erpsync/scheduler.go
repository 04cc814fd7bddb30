package erpsync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/models"
)

// EnqueueRun creates a run row and hands it to the run queue topic. When no
// topic is configured, or publishing fails, the run executes inline so a
// scheduled window is never silently dropped.
func (s *Service) EnqueueRun(ctx context.Context, from time.Time, to time.Time, triggeredBy string, parentRunId *uint) (*models.SyncRun, error) {
	run := &models.SyncRun{
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: triggeredBy,
		FromDate:    from,
		ToDate:      to,
		ParentRunId: parentRunId,
	}
	if s.store != nil {
		if err := s.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	}

	if s.settings != nil && s.settings.RunQueueTopic != "" {
		if err := PublishQueuedRun(ctx, s.settings.RunQueueTopic, run.ID); err == nil {
			return run, nil
		} else {
			config.LogError(s.logger, "erpsync", "EnqueueRun", "publish run, falling back to inline", run.ID, err)
		}
	}

	_, err := s.executeRun(ctx, run)
	return run, err
}

// StartScheduler kicks a sync for the trailing day on every interval tick.
// The window end is "now" so a tick never waits on invoices it cannot see
// yet; the overlap lock covers ticks that fire while a manual run holds it.
func StartScheduler(ctx context.Context, svc *Service, settings *config.Settings, logger *logrus.Logger) {
	interval := settings.SyncInterval
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			now := time.Now().UTC()
			from := now.AddDate(0, 0, -1)

			run, err := svc.EnqueueRun(ctx, from, now, models.SyncTriggeredSchedule, nil)
			if err != nil {
				if err == ErrRunInProgress {
					logger.WithFields(logrus.Fields{
						"module": "erpsync",
					}).Warn("scheduled sync skipped, another run in progress")
					continue
				}
				config.LogError(logger, "erpsync", "StartScheduler", "scheduled run", nil, err)
				continue
			}
			logger.WithFields(logrus.Fields{
				"module": "erpsync",
				"run_id": run.ID,
			}).Info("scheduled sync run enqueued")
		}
	}()
}
