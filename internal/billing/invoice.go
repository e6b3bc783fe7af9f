package billing

import (
	"fmt"
	"time"
)

// InvoiceTotals суммы счёта: total = subtotal + tax.
type InvoiceTotals struct {
	Subtotal  int64
	TaxRateBP int64
	TaxAmount int64
	Total     int64
}

// Invoice считает налог и итог по ставке в базисных пунктах.
func Invoice(subtotal, rateBP int64) (InvoiceTotals, error) {
	tax, err := Tax(subtotal, rateBP)
	if err != nil {
		return InvoiceTotals{}, err
	}
	return InvoiceTotals{Subtotal: subtotal, TaxRateBP: rateBP, TaxAmount: tax, Total: subtotal + tax}, nil
}

// InvoiceNumber формат INV-YYYYMM-NNNN, номер из последовательности базы.
func InvoiceNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%04d", at.UTC().Format("200601"), seq)
}
