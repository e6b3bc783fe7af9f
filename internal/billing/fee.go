// Package billing содержит денежную арифметику платформы.
// Все суммы в минимальных единицах валюты (центы, раппены).
package billing

import (
	"errors"
	"fmt"
)

// DefaultFeePercent комиссия платформы по умолчанию.
const DefaultFeePercent int64 = 10

var (
	ErrNegativeAmount = errors.New("billing: сумма не может быть отрицательной")
	ErrInvalidPercent = errors.New("billing: процент комиссии должен быть от 0 до 100")
	ErrSplitMismatch  = errors.New("billing: комиссия и выплата не сходятся с суммой")
)

// Split результат деления суммы между платформой и экспертом.
type Split struct {
	Amount      int64 `json:"amount"`
	PlatformFee int64 `json:"platform_fee"`
	NetAmount   int64 `json:"net_amount"`
}

// FeeCalculator делит сумму по фиксированному проценту.
// Один экземпляр используют и checkout, и леджер, чтобы расчёты совпадали.
type FeeCalculator struct {
	percent int64
}

// NewFeeCalculator создаёт калькулятор с заданным процентом.
func NewFeeCalculator(percent int64) (*FeeCalculator, error) {
	if percent < 0 || percent > 100 {
		return nil, ErrInvalidPercent
	}
	return &FeeCalculator{percent: percent}, nil
}

// MustFeeCalculator паникует на невалидном проценте, для инициализации из конфига.
func MustFeeCalculator(percent int64) *FeeCalculator {
	calc, err := NewFeeCalculator(percent)
	if err != nil {
		panic(err)
	}
	return calc
}

// Split считает комиссию с усечением к нулю.
// amount раскладывается как 100*q + r, поэтому умножение не переполняется.
func (c *FeeCalculator) Split(amount int64) (Split, error) {
	if amount < 0 {
		return Split{}, ErrNegativeAmount
	}
	q, r := amount/100, amount%100
	fee := q*c.percent + r*c.percent/100
	return Split{Amount: amount, PlatformFee: fee, NetAmount: amount - fee}, nil
}

// Verify проверяет инвариант platform_fee + net_amount == amount.
func Verify(amount, platformFee, netAmount int64) error {
	if platformFee < 0 || netAmount < 0 || platformFee+netAmount != amount {
		return fmt.Errorf("%w: amount=%d fee=%d net=%d", ErrSplitMismatch, amount, platformFee, netAmount)
	}
	return nil
}

// Tax считает налог по ставке в базисных пунктах (1900 = 19%), с усечением.
func Tax(subtotal, rateBP int64) (int64, error) {
	if subtotal < 0 {
		return 0, ErrNegativeAmount
	}
	if rateBP < 0 || rateBP > 10000 {
		return 0, fmt.Errorf("billing: ставка налога вне диапазона: %d", rateBP)
	}
	q, r := subtotal/10000, subtotal%10000
	return q*rateBP + r*rateBP/10000, nil
}
