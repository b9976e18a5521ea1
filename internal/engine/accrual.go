// Package engine реализует ядро начислений: чистую математику процентов,
// машину состояний жизненного цикла ставки и пакетный проход начислений.
// Ядро не выполняет ввода-вывода и ничего не сохраняет само.
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/goalstake-system/internal/money"
)

// ErrInvalidInput возвращается при нарушении контракта входных данных
// (отрицательная сумма или ставка, нулевой период капитализации и т.п.).
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidTransition возвращается при попытке перехода из конечного состояния
// либо применения Active-триггера к неактивной ставке.
var ErrInvalidTransition = errors.New("invalid transition")

const (
	secondsPerDay = 86400
	// Год фиксирован как 365 суток, без поправки на високосные годы.
	secondsPerYear = 365 * secondsPerDay
)

var one = decimal.NewFromInt(1)

// ComputeAccrual вычисляет проценты, заработанные на principal за elapsedSeconds
// при годовой ставке rate. Функция чистая и детерминированная; elapsedSeconds
// передаёт вызывающий код, поэтому одна и та же функция служит и для начисления
// «с начала ставки», и для инкрементального начисления с последнего прохода.
//
// Простое начисление: principal * rate * elapsedSeconds / secondsPerYear,
// деление выполняется последним, итог округляется один раз.
//
// Капитализация: elapsedSeconds делится на целые периоды длиной
// compoundingPeriodDays суток; за n полных периодов начисляется
// principal * ((1 + periodRate)^n − 1), остаток меньше периода получает
// простое начисление по периодной ставке пропорционально секундам.
func ComputeAccrual(principal decimal.Decimal, elapsedSeconds int64, rate decimal.Decimal, compounding bool, compoundingPeriodDays int) (decimal.Decimal, error) {
	if principal.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative principal %s", ErrInvalidInput, principal)
	}
	if elapsedSeconds < 0 {
		return decimal.Zero, fmt.Errorf("%w: negative elapsed seconds %d", ErrInvalidInput, elapsedSeconds)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative rate %s", ErrInvalidInput, rate)
	}
	if compounding && compoundingPeriodDays <= 0 {
		return decimal.Zero, fmt.Errorf("%w: compounding period must be positive, got %d days", ErrInvalidInput, compoundingPeriodDays)
	}

	if principal.IsZero() || elapsedSeconds == 0 || rate.IsZero() {
		return decimal.Zero, nil
	}

	if !compounding {
		raw, err := money.ProRate(principal, rate, elapsedSeconds, secondsPerYear)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return money.Round(raw), nil
	}

	periodSeconds := int64(compoundingPeriodDays) * secondsPerDay
	fullPeriods := elapsedSeconds / periodSeconds
	remainder := elapsedSeconds % periodSeconds

	periodRate := money.PeriodRate(rate, int64(compoundingPeriodDays))

	accrued := decimal.Zero
	if fullPeriods > 0 {
		growth := money.PowInt(one.Add(periodRate), fullPeriods).Sub(one)
		accrued = principal.Mul(growth)
	}
	if remainder > 0 {
		partial, err := money.ProRate(principal, periodRate, remainder, periodSeconds)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		accrued = accrued.Add(partial)
	}

	return money.Round(accrued), nil
}
