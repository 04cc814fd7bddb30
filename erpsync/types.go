package erpsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceInvoice is the billing system's invoice as handed to the pipeline.
// InvoiceNumber is the idempotency key for the whole pipeline: the provider
// never returns an invoice whose ErpReference is already set, so reprocessing
// the same number is safe across runs.
type SourceInvoice struct {
	InvoiceNumber string
	CustomerCode  string
	InvoiceDate   time.Time
	DueDate       time.Time
	CurrencyCode  string
	TotalAmount   decimal.Decimal
	TaxAmount     decimal.Decimal
	Lines         []SourceInvoiceLine

	// ErpReference is empty until the invoice has been synchronized.
	ErpReference string
}

type SourceInvoiceLine struct {
	ProductCode    string
	Description    string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TaxRate        decimal.Decimal
}

// TargetInvoice is the ERP-bound shape produced by Map. ExternalReference
// carries the source invoice number so the two systems stay reconcilable.
type TargetInvoice struct {
	CustomerId        string
	InvoiceDate       time.Time
	DueDate           time.Time
	CurrencyCode      string
	ExternalReference string
	Lines             []TargetInvoiceLine
}

type TargetInvoiceLine struct {
	ItemId         string
	Description    string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TaxGroup       string
}

// SyncOutcome is the terminal result of one invoice's trip through the state
// machine. Outcomes are append-only within a run and never mutated.
type SyncOutcome struct {
	InvoiceNumber string
	Status        string // models.OutcomeStatusSucceeded | models.OutcomeStatusFailed
	ErpInvoiceId  string
	Err           error
}

type RunRequest struct {
	FromDate string `json:"FromDate" binding:"required"`
	ToDate   string `json:"ToDate" binding:"required"`
}

type StatusResponse struct {
	LastRun        *RunResponse `json:"lastRun"`
	LastSuccessRun *RunResponse `json:"lastSuccessRun"`
}

type RunHistoryResponse struct {
	Items []RunResponse `json:"items"`
}

type RunResponse struct {
	ID          uint    `json:"id"`
	Status      string  `json:"status"`
	TriggeredBy string  `json:"triggeredBy"`
	FromDate    string  `json:"fromDate"`
	ToDate      string  `json:"toDate"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	FatalError  string  `json:"fatalError,omitempty"`
	StartedAt   *string `json:"startedAt"`
	FinishedAt  *string `json:"finishedAt"`
	DurationMs  int64   `json:"durationMs"`
}

type RunDetailResponse struct {
	RunResponse
	Outcomes []OutcomeResponse `json:"outcomes"`
}

type OutcomeResponse struct {
	InvoiceNumber string `json:"invoiceNumber"`
	Status        string `json:"status"`
	ErpInvoiceId  string `json:"erpInvoiceId,omitempty"`
	ErrorKind     string `json:"errorKind,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type RunQueuePayload struct {
	RunId uint `json:"run_id"`
}
