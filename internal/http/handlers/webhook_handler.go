package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/expert-marketplace/internal/http/handlers/common"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
)

const (
	signatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 16
)

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// WebhookHandler принимает события платёжного провайдера. Авторизация только подписью.
type WebhookHandler struct {
	reconciler WebhookProcessor
	timeout    time.Duration
}

func NewWebhookHandler(reconciler WebhookProcessor, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookHandler{reconciler: reconciler, timeout: timeout}
}

// Handle обрабатывает POST /payments/webhook. Тело читается как есть:
// подпись считается по сырым байтам.
func (h *WebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		common.Fail(c, apperror.Wrap(err, apperror.ErrCodeBadRequest, "не удалось прочитать тело запроса"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.reconciler.HandleWebhook(ctx, payload, c.GetHeader(signatureHeader)); err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
