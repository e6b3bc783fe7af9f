package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	ErrCodeExternalProcessor ErrorCode = "EXTERNAL_PROCESSOR_ERROR"
	ErrCodeSignatureInvalid  ErrorCode = "SIGNATURE_INVALID"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// Conflictf собирает CONFLICT с форматированным сообщением.
func Conflictf(format string, args ...any) *AppError {
	return New(ErrCodeConflict, fmt.Sprintf(format, args...))
}

// Processor оборачивает отказ платёжного провайдера.
func Processor(err error, message string) *AppError {
	return Wrap(err, ErrCodeExternalProcessor, message)
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation, ErrCodeSignatureInvalid:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeExternalProcessor:
		return http.StatusBadGateway
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf возвращает код ошибки или пустую строку для не-AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

func IsForbidden(err error) bool {
	return CodeOf(err) == ErrCodeForbidden
}

func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

func IsProcessor(err error) bool {
	return CodeOf(err) == ErrCodeExternalProcessor
}

var (
	ErrProjectNotFound       = New(ErrCodeNotFound, "проект не найден")
	ErrPaymentNotFound       = New(ErrCodeNotFound, "платёж не найден")
	ErrPayoutNotFound        = New(ErrCodeNotFound, "выплата не найдена")
	ErrInvoiceNotFound       = New(ErrCodeNotFound, "счёт не найден")
	ErrExpertNotFound        = New(ErrCodeNotFound, "профиль эксперта не найден")
	ErrListingNotFound       = New(ErrCodeNotFound, "услуга не найдена")
	ErrUserNotFound          = New(ErrCodeNotFound, "пользователь не найден")
	ErrUnauthorized          = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden             = New(ErrCodeForbidden, "недостаточно прав")
	ErrNotProjectParty       = New(ErrCodeForbidden, "вы не участник этого проекта")
	ErrRevisionLimit         = New(ErrCodeConflict, "лимит доработок исчерпан")
	ErrConnectAccountExists  = New(ErrCodeConflict, "у эксперта уже есть подключённый аккаунт")
	ErrConnectAccountMissing = New(ErrCodeBadRequest, "подключённый аккаунт не найден, сначала создайте его")
	ErrSignatureInvalid      = New(ErrCodeSignatureInvalid, "подпись вебхука невалидна")
)
