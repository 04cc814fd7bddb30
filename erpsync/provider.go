package erpsync

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"gorm.io/gorm"
)

// BillingProvider is the engine's only view of the billing system. The
// "unprocessed" filter belongs here, not in the orchestrator: a fetch never
// returns an invoice whose ERP reference is already written.
type BillingProvider interface {
	FetchUnprocessedInvoices(ctx context.Context, from time.Time, to time.Time) ([]SourceInvoice, error)
	WriteBackReference(ctx context.Context, invoiceNumber string, erpReference string) error
}

type gormBillingProvider struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewBillingProvider returns the production adapter over the billing store.
func NewBillingProvider(db *gorm.DB, timeout time.Duration) BillingProvider {
	return &gormBillingProvider{db: db, timeout: timeout}
}

func (p *gormBillingProvider) FetchUnprocessedInvoices(ctx context.Context, from time.Time, to time.Time) ([]SourceInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rows []models.BillingInvoice
	err := p.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("line_no asc")
		}).
		Where("erp_reference = '' AND invoice_date >= ? AND invoice_date < ?", from, to).
		Order("invoice_date asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	invoices := make([]SourceInvoice, 0, len(rows))
	for _, row := range rows {
		invoices = append(invoices, sourceFromModel(row))
	}
	return invoices, nil
}

func (p *gormBillingProvider) WriteBackReference(ctx context.Context, invoiceNumber string, erpReference string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	now := time.Now()
	result := p.db.WithContext(ctx).
		Model(&models.BillingInvoice{}).
		Where("invoice_number = ? AND erp_reference = ''", invoiceNumber).
		Updates(map[string]interface{}{
			"erp_reference": erpReference,
			"erp_synced_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("invoice %s not found or already referenced", invoiceNumber)
	}
	return nil
}

func sourceFromModel(row models.BillingInvoice) SourceInvoice {
	inv := SourceInvoice{
		InvoiceNumber: row.InvoiceNumber,
		CustomerCode:  row.CustomerCode,
		InvoiceDate:   row.InvoiceDate,
		DueDate:       row.DueDate,
		CurrencyCode:  row.CurrencyCode,
		TotalAmount:   row.TotalAmount,
		TaxAmount:     row.TaxAmount,
		ErpReference:  row.ErpReference,
	}
	for _, line := range row.Lines {
		inv.Lines = append(inv.Lines, SourceInvoiceLine{
			ProductCode:    line.ProductCode,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
			DiscountAmount: line.DiscountAmount,
			TaxAmount:      line.TaxAmount,
			TaxRate:        line.TaxRate,
		})
	}
	return inv
}
