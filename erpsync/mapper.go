package erpsync

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	TaxGroupExempt   = "EXEMPT"
	TaxGroupGST5     = "GST5"
	TaxGroupVAT7     = "VAT7"
	TaxGroupStandard = "STANDARD"
)

var (
	taxRateExempt = decimal.Zero
	taxRateGST5   = decimal.NewFromInt(5)
	taxRateVAT7   = decimal.NewFromInt(7)
)

// MapTaxGroup derives the ERP tax group from a source tax rate. Unmapped
// rates (negative, fractional, anything but 0/5/7) fall back to STANDARD;
// that silent fallback is deliberate policy, not an error path.
func MapTaxGroup(rate decimal.Decimal) string {
	switch {
	case rate.Equal(taxRateExempt):
		return TaxGroupExempt
	case rate.Equal(taxRateGST5):
		return TaxGroupGST5
	case rate.Equal(taxRateVAT7):
		return TaxGroupVAT7
	default:
		return TaxGroupStandard
	}
}

// Map transforms a source invoice into the ERP's shape. Pure and
// deterministic: no I/O, identical input yields identical output. Lines map
// 1:1 in order; absent optional line fields stay at their zero value. A
// blank invoice number or customer code is a caller precondition violation.
func Map(src SourceInvoice) (TargetInvoice, error) {
	if strings.TrimSpace(src.InvoiceNumber) == "" {
		return TargetInvoice{}, &ValidationError{Field: "InvoiceNumber", Reason: "must not be empty"}
	}
	if strings.TrimSpace(src.CustomerCode) == "" {
		return TargetInvoice{}, &ValidationError{Field: "CustomerCode", Reason: "must not be empty"}
	}

	target := TargetInvoice{
		CustomerId:        src.CustomerCode,
		InvoiceDate:       src.InvoiceDate,
		DueDate:           src.DueDate,
		CurrencyCode:      src.CurrencyCode,
		ExternalReference: src.InvoiceNumber,
	}

	if len(src.Lines) > 0 {
		target.Lines = make([]TargetInvoiceLine, 0, len(src.Lines))
	}
	for _, line := range src.Lines {
		target.Lines = append(target.Lines, TargetInvoiceLine{
			ItemId:         line.ProductCode,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
			DiscountAmount: line.DiscountAmount,
			TaxAmount:      line.TaxAmount,
			TaxGroup:       MapTaxGroup(line.TaxRate),
		})
	}

	return target, nil
}
