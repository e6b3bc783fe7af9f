package valueobject

import (
	"strings"

	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
)

// Money сумма в минимальных единицах валюты.
type Money struct {
	Amount   int64
	Currency string
}

func NewMoney(amount int64, currency string) (Money, error) {
	if amount < 0 {
		return Money{}, apperror.New(apperror.ErrCodeValidation, "сумма не может быть отрицательной")
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: cur}, nil
}

// NormalizeCurrency приводит ISO 4217 код к нижнему регистру, как его ждёт процессор.
func NormalizeCurrency(currency string) (string, error) {
	cur := strings.ToLower(strings.TrimSpace(currency))
	if len(cur) != 3 {
		return "", apperror.New(apperror.ErrCodeValidation, "валюта должна быть трёхбуквенным кодом ISO 4217")
	}
	for _, r := range cur {
		if r < 'a' || r > 'z' {
			return "", apperror.New(apperror.ErrCodeValidation, "валюта должна быть трёхбуквенным кодом ISO 4217")
		}
	}
	return cur, nil
}
