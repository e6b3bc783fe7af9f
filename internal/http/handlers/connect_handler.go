package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/expert-marketplace/internal/http/handlers/common"
	"github.com/ignatzorin/expert-marketplace/internal/interface/http/response"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/service"
)

type ConnectUseCases interface {
	CreateAccount(ctx context.Context, actor service.Actor, country string) (*service.ConnectOnboarding, error)
	RefreshOnboarding(ctx context.Context, actor service.Actor) (*service.ConnectOnboarding, error)
	Status(ctx context.Context, actor service.Actor) (models.ConnectStatus, error)
}

// ConnectHandler онбординг экспертов в Connect.
type ConnectHandler struct {
	connect ConnectUseCases
}

func NewConnectHandler(connect ConnectUseCases) *ConnectHandler {
	return &ConnectHandler{connect: connect}
}

type connectCreateRequest struct {
	Country string `json:"country" binding:"required,len=2"`
}

// Create обрабатывает POST /payments/connect/create.
func (h *ConnectHandler) Create(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req connectCreateRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	onboarding, err := h.connect.CreateAccount(c.Request.Context(), actor, req.Country)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Created(c, onboarding)
}

// Refresh обрабатывает POST /payments/connect/refresh.
func (h *ConnectHandler) Refresh(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	onboarding, err := h.connect.RefreshOnboarding(c.Request.Context(), actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, onboarding)
}

// Status обрабатывает GET /payments/connect/status.
func (h *ConnectHandler) Status(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	status, err := h.connect.Status(c.Request.Context(), actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, status)
}
