package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingInvoice is the billing system of record's invoice row. The sync
// engine only ever reads it through the provider interface and writes back
// erp_reference once the ERP has accepted the invoice.
type BillingInvoice struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	InvoiceNumber string          `gorm:"uniqueIndex;size:64;not null" json:"invoice_number"`
	CustomerCode  string          `gorm:"size:64;not null;index" json:"customer_code"`
	InvoiceDate   time.Time       `gorm:"index;not null" json:"invoice_date"`
	DueDate       time.Time       `json:"due_date"`
	CurrencyCode  string          `gorm:"size:3;not null" json:"currency_code"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	TaxAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"tax_amount"`

	// ErpReference is empty until the invoice has been synchronized; a
	// non-empty value marks the invoice processed and keeps it out of
	// every later fetch.
	ErpReference string     `gorm:"size:128;index" json:"erp_reference"`
	ErpSyncedAt  *time.Time `json:"erp_synced_at"`

	Lines []BillingInvoiceLine `gorm:"foreignKey:BillingInvoiceId" json:"lines"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type BillingInvoiceLine struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	BillingInvoiceId uint            `gorm:"index;not null" json:"billing_invoice_id"`
	LineNo           int             `gorm:"not null" json:"line_no"`
	ProductCode      string          `gorm:"size:64" json:"product_code"`
	Description      string          `gorm:"size:255" json:"description"`
	Quantity         decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_price"`
	DiscountAmount   decimal.Decimal `gorm:"type:decimal(20,4)" json:"discount_amount"`
	TaxAmount        decimal.Decimal `gorm:"type:decimal(20,4)" json:"tax_amount"`
	TaxRate          decimal.Decimal `gorm:"type:decimal(10,4)" json:"tax_rate"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
