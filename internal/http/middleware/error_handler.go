package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/expert-marketplace/internal/interface/http/response"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
)

// ErrorHandler рендерит ошибку, которую handler положил в c.Error, и ловит панику.
// Наружу уходит только AppError, остальное логируется и маскируется.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.L().WithFields(logrus.Fields{
					"panic":      rec,
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"request_id": RequestIDFrom(c),
					"stack":      string(debug.Stack()),
				}).Error("паника в обработчике запроса")
				if !c.Writer.Written() {
					response.Abort(c, http.StatusInternalServerError, apperror.ErrCodeInternal, "внутренняя ошибка сервера")
				}
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		entry := logger.L().WithFields(logrus.Fields{
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"request_id": RequestIDFrom(c),
		}).WithError(err)

		switch code := apperror.CodeOf(err); code {
		case "", apperror.ErrCodeInternal, apperror.ErrCodeDatabaseError:
			entry.Error("ошибка запроса")
		case apperror.ErrCodeExternalProcessor:
			entry.Warn("ошибка платёжного провайдера")
		default:
			entry.Debug("запрос отклонён")
		}

		response.Error(c, err)
	}
}
