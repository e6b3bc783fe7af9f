package ws

import (
	"context"

	"github.com/google/uuid"
)

type notificationCreator interface {
	CreateNotificationForWS(ctx context.Context, userID uuid.UUID, event string, data interface{}) error
}

// NotificationServiceAdapter подключает сервис уведомлений к хабу как NotificationSaver.
type NotificationServiceAdapter struct {
	service notificationCreator
}

func NewNotificationServiceAdapter(service notificationCreator) *NotificationServiceAdapter {
	return &NotificationServiceAdapter{service: service}
}

func (a *NotificationServiceAdapter) CreateNotification(ctx context.Context, userID uuid.UUID, event string, data any) error {
	return a.service.CreateNotificationForWS(ctx, userID, event, data)
}
