package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoice_Totals(t *testing.T) {
	totals, err := Invoice(10000, 1900)
	require.NoError(t, err)
	assert.Equal(t, int64(1900), totals.TaxAmount)
	assert.Equal(t, int64(11900), totals.Total)

	totals, err = Invoice(999, 770)
	require.NoError(t, err)
	assert.Equal(t, int64(76), totals.TaxAmount)
	assert.Equal(t, int64(1075), totals.Total)
}

func TestInvoice_ZeroRate(t *testing.T) {
	totals, err := Invoice(5000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals.TaxAmount)
	assert.Equal(t, int64(5000), totals.Total)
}

func TestInvoice_RateOutOfRange(t *testing.T) {
	_, err := Invoice(5000, 10001)
	assert.Error(t, err)
}

func TestInvoiceNumber(t *testing.T) {
	at := time.Date(2026, time.March, 5, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "INV-202603-0042", InvoiceNumber(at, 42))
	assert.Equal(t, "INV-202603-12345", InvoiceNumber(at, 12345))
}
