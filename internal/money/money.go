// Package money задаёт правила десятичной арифметики для денежных величин.
//
// Все суммы и ставки в системе — точные десятичные числа; двоичная
// плавающая запятая не используется. Округление выполняется один раз,
// на итоговом значении вычисления, банковским правилом (к чётному).
// Деление допускается только внутри операций применения ставки,
// которые явно задают точность.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Scale — число знаков после запятой у денежных величин (минимальная единица 1e-8).
	Scale = 8
	// RatePrecision — точность промежуточных ставок (периодная ставка и т.п.).
	RatePrecision = 16
	// DivPrecision — точность защитных разрядов при делении до финального округления.
	DivPrecision = 16
)

// Zero — нулевая денежная величина.
var Zero = decimal.Zero

// Round приводит итог вычисления к денежной шкале банковским округлением.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// ApplyRate применяет долю rate к сумме amount и округляет итог.
func ApplyRate(amount, rate decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(rate))
}

// ProRate вычисляет amount * rate * num / den: единственное деление выполняется
// последним с защитными разрядами, итог не округляется до денежной шкалы —
// округление остаётся за вызывающим кодом.
func ProRate(amount, rate decimal.Decimal, num, den int64) (decimal.Decimal, error) {
	if den <= 0 {
		return decimal.Zero, fmt.Errorf("pro rate: denominator must be positive, got %d", den)
	}
	raw := amount.Mul(rate).Mul(decimal.NewFromInt(num))
	return raw.DivRound(decimal.NewFromInt(den), DivPrecision), nil
}

// PeriodRate вычисляет ставку за период начисления: rate * periodDays / 365,
// зафиксированную на RatePrecision знаках.
func PeriodRate(rate decimal.Decimal, periodDays int64) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(periodDays)).
		DivRound(decimal.NewFromInt(365), RatePrecision)
}

// PowInt возводит base в целую неотрицательную степень n точным
// умножением (бинарное возведение в степень), без промежуточных округлений.
// Pow из библиотеки decimal приближённый и здесь не подходит.
func PowInt(base decimal.Decimal, n int64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base)
		}
		n >>= 1
		if n > 0 {
			base = base.Mul(base)
		}
	}
	return result
}
