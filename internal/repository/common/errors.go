package common

import "errors"

// Общие ошибки для всех репозиториев
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	// ErrTransitionRejected строка не найдена или её статус не входит в допустимый набор.
	ErrTransitionRejected = errors.New("guarded transition rejected")
)
