package erpsync

import (
	"sync"

	"bitbucket.org/mmdatafocus/erpsync_backend/models"
)

// RunSummary accumulates outcomes in arrival order while a run is in flight.
// Only the orchestrator mutates it; Finalize freezes the totals and is
// idempotent.
type RunSummary struct {
	mu        sync.Mutex
	outcomes  []SyncOutcome
	succeeded int
	failed    int
	finalized bool
	final     FinalSummary
}

// FinalSummary is the frozen result of a run.
type FinalSummary struct {
	Succeeded int
	Failed    int
	Outcomes  []SyncOutcome
	// FailedOutcomes keeps the failed subset in arrival order for diagnostics.
	FailedOutcomes []SyncOutcome
}

func NewRunSummary() *RunSummary {
	return &RunSummary{}
}

// Add appends one outcome. Adds after Finalize are dropped; the frozen
// summary never changes.
func (s *RunSummary) Add(outcome SyncOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.outcomes = append(s.outcomes, outcome)
	if outcome.Status == models.OutcomeStatusSucceeded {
		s.succeeded++
	} else {
		s.failed++
	}
}

// Finalize freezes the summary. Calling it again returns the same value.
func (s *RunSummary) Finalize() FinalSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return s.final
	}

	final := FinalSummary{
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Outcomes:  make([]SyncOutcome, len(s.outcomes)),
	}
	copy(final.Outcomes, s.outcomes)
	for _, outcome := range final.Outcomes {
		if outcome.Status == models.OutcomeStatusFailed {
			final.FailedOutcomes = append(final.FailedOutcomes, outcome)
		}
	}

	s.finalized = true
	s.final = final
	return final
}
