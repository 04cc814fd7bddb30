package models

import "time"

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRetry    = "retry"
)

const (
	OutcomeStatusSucceeded = "Succeeded"
	OutcomeStatusFailed    = "Failed"
)

// SyncRun is one execution of the invoice pipeline over a date window.
type SyncRun struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	Status       string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	FromDate     time.Time  `gorm:"not null" json:"from_date"`
	ToDate       time.Time  `gorm:"not null" json:"to_date"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	FatalError   string     `gorm:"type:text" json:"fatal_error"`
	ParentRunId  *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncOutcomeRecord is the append-only per-invoice result of a run.
type SyncOutcomeRecord struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	SyncRunId     uint      `gorm:"index;not null" json:"sync_run_id"`
	InvoiceNumber string    `gorm:"size:64;not null;index" json:"invoice_number"`
	Status        string    `gorm:"size:20;not null" json:"status"`
	ErpInvoiceId  string    `gorm:"size:128" json:"erp_invoice_id"`
	ErrorKind     string    `gorm:"size:40" json:"error_kind"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SyncDeadLetter records an invoice the ERP accepted but whose write-back
// failed. The next scheduled fetch would re-submit it, so operators must
// reconcile these rows manually.
type SyncDeadLetter struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	SyncRunId     uint       `gorm:"index;not null" json:"sync_run_id"`
	InvoiceNumber string     `gorm:"size:64;not null;index" json:"invoice_number"`
	ErpInvoiceId  string     `gorm:"size:128;not null" json:"erp_invoice_id"`
	Message       string     `gorm:"type:text" json:"message"`
	ResolvedAt    *time.Time `json:"resolved_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
