package engine

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/goalstake-system/internal/money"
)

// CreationFee вычисляет разовую комиссию за создание ставки:
// principal * feeRate. Комиссия удерживается с источника финансирования,
// а не с principal — тело ставки остаётся полным для целей начисления.
func CreationFee(principal, feeRate decimal.Decimal) decimal.Decimal {
	return money.ApplyRate(principal, feeRate)
}

// WithdrawalFee вычисляет разовую комиссию за досрочный вывод:
// (principal + accrued на момент вывода) * feeRate.
func WithdrawalFee(principal, accrued, feeRate decimal.Decimal) decimal.Decimal {
	return money.ApplyRate(principal.Add(accrued), feeRate)
}

// EarlyBonus вычисляет бонус за досрочное завершение цели:
// accrued на момент завершения * bonusRate. Бонус добавляется к накопленной
// сумме до её заморозки.
func EarlyBonus(accrued, bonusRate decimal.Decimal) decimal.Decimal {
	return money.ApplyRate(accrued, bonusRate)
}
