package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/http/handlers/common"
	"github.com/ignatzorin/expert-marketplace/internal/interface/http/response"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/service"
)

type PayoutUseCases interface {
	PayoutNow(ctx context.Context, actor service.Actor) ([]models.Payout, error)
	ListPayouts(ctx context.Context, actor service.Actor, limit, offset int) ([]models.Payout, error)
}

type InvoiceUseCases interface {
	GetInvoice(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Invoice, error)
	ListInvoices(ctx context.Context, actor service.Actor, limit, offset int) ([]models.Invoice, error)
}

// PayoutHandler выплаты экспертам и счета.
type PayoutHandler struct {
	payouts  PayoutUseCases
	invoices InvoiceUseCases
}

func NewPayoutHandler(payouts PayoutUseCases, invoices InvoiceUseCases) *PayoutHandler {
	return &PayoutHandler{payouts: payouts, invoices: invoices}
}

// PayoutNow обрабатывает POST /payments/payouts.
func (h *PayoutHandler) PayoutNow(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	payouts, err := h.payouts.PayoutNow(c.Request.Context(), actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	if payouts == nil {
		payouts = []models.Payout{}
	}
	response.Created(c, payouts)
}

// ListPayouts обрабатывает GET /payments/payouts.
func (h *PayoutHandler) ListPayouts(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	payouts, err := h.payouts.ListPayouts(c.Request.Context(), actor, limit, offset)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Paginated(c, payouts, len(payouts), limit, offset)
}

// ListInvoices обрабатывает GET /payments/invoices.
func (h *PayoutHandler) ListInvoices(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	invoices, err := h.invoices.ListInvoices(c.Request.Context(), actor, limit, offset)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Paginated(c, invoices, len(invoices), limit, offset)
}

// GetInvoice обрабатывает GET /payments/invoices/:id.
func (h *PayoutHandler) GetInvoice(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	id, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	invoice, err := h.invoices.GetInvoice(c.Request.Context(), actor, id)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, invoice)
}
