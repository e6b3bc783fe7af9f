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

type PaymentUseCases interface {
	CreatePayment(ctx context.Context, actor service.Actor, projectID uuid.UUID) (*models.Payment, string, error)
	GetPayment(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Payment, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error)
	Balance(ctx context.Context, expertID uuid.UUID) ([]models.Balance, error)
}

type CheckoutUseCases interface {
	CreateCheckout(ctx context.Context, buyer service.Actor, in service.CheckoutInput) (*service.CheckoutResult, error)
}

// PaymentHandler маршруты платежей и hosted checkout.
type PaymentHandler struct {
	payments PaymentUseCases
	checkout CheckoutUseCases
}

func NewPaymentHandler(payments PaymentUseCases, checkout CheckoutUseCases) *PaymentHandler {
	return &PaymentHandler{payments: payments, checkout: checkout}
}

type checkoutRequest struct {
	ServiceID    uuid.UUID  `json:"service_id" binding:"required"`
	PackageTier  *string    `json:"package_tier"`
	CustomAmount *int64     `json:"custom_amount"`
	Currency     *string    `json:"currency"`
	ProjectID    *uuid.UUID `json:"project_id"`
}

type createPaymentRequest struct {
	ProjectID uuid.UUID `json:"project_id" binding:"required"`
}

type createPaymentResponse struct {
	Payment      *models.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
}

// Checkout обрабатывает POST /payments/checkout.
func (h *PaymentHandler) Checkout(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req checkoutRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	result, err := h.checkout.CreateCheckout(c.Request.Context(), actor, service.CheckoutInput{
		ServiceID:    req.ServiceID,
		PackageTier:  req.PackageTier,
		CustomAmount: req.CustomAmount,
		Currency:     req.Currency,
		ProjectID:    req.ProjectID,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Created(c, result)
}

// Create обрабатывает POST /payments: payment intent для оплаты проекта.
func (h *PaymentHandler) Create(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req createPaymentRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	payment, secret, err := h.payments.CreatePayment(c.Request.Context(), actor, req.ProjectID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Created(c, createPaymentResponse{Payment: payment, ClientSecret: secret})
}

// History обрабатывает GET /payments.
func (h *PaymentHandler) History(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	payments, err := h.payments.History(c.Request.Context(), actor.UserID, limit, offset)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Paginated(c, payments, len(payments), limit, offset)
}

// Get обрабатывает GET /payments/:id.
func (h *PaymentHandler) Get(c *gin.Context) {
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

	payment, err := h.payments.GetPayment(c.Request.Context(), actor, id)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, payment)
}

// Balance обрабатывает GET /payments/balance.
func (h *PaymentHandler) Balance(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	balances, err := h.payments.Balance(c.Request.Context(), actor.UserID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	if balances == nil {
		balances = []models.Balance{}
	}
	response.Success(c, balances)
}
