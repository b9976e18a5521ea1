// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrValidation — общий корень ошибок валидации параметров ставки.
var ErrValidation = errors.New("validation")

var fractionOne = decimal.NewFromInt(1)

// ValidatePrincipal проверяет, что тело ставки строго положительно.
func ValidatePrincipal(principal decimal.Decimal) error {
	if !principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive, got %s", ErrValidation, principal)
	}
	return nil
}

// ValidateFraction проверяет, что доля name лежит в диапазоне [0, 1].
func ValidateFraction(name string, fraction decimal.Decimal) error {
	if fraction.IsNegative() || fraction.GreaterThan(fractionOne) {
		return fmt.Errorf("%w: %s must be within [0, 1], got %s", ErrValidation, name, fraction)
	}
	return nil
}

// ValidateCompounding проверяет период капитализации: при включённой
// капитализации период должен быть не меньше одних суток.
func ValidateCompounding(compounding bool, periodDays int) error {
	if compounding && periodDays < 1 {
		return fmt.Errorf("%w: compounding period must be at least 1 day, got %d", ErrValidation, periodDays)
	}
	return nil
}

// ValidateWindow проверяет, что плановое окно ставки непустое: endAt позже startAt.
func ValidateWindow(startAt, endAt time.Time) error {
	if !endAt.After(startAt) {
		return fmt.Errorf("%w: endAt %s must be after startAt %s",
			ErrValidation, endAt.Format(time.RFC3339), startAt.Format(time.RFC3339))
	}
	return nil
}
