package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/goalstake-system/internal/model"
)

// Transition переводит ставку из Active в конечное состояние по внешнему
// сигналу trigger в момент at. Возвращает новый снимок ставки и список
// записей журнала (комиссии, бонусы), порождённых переходом.
//
// Переход — тотальная функция от (снимок, триггер, момент времени) без
// скрытого состояния. Любой переход из неактивного состояния — ошибка
// ErrInvalidTransition, он никогда не игнорируется молча. Конечные
// состояния конечны: из них переходов нет.
func Transition(stake model.Stake, trigger model.Trigger, at time.Time) (model.Stake, []model.LedgerEntry, error) {
	if stake.Status != model.StakeStatusActive {
		return stake, nil, fmt.Errorf("%w: stake %s is %s, trigger %s requires ACTIVE",
			ErrInvalidTransition, stake.ID, stake.Status, trigger)
	}

	var entries []model.LedgerEntry

	switch trigger {
	case model.TriggerGoalSucceeded:
		// Бонус за досрочность: только при завершении строго раньше EndAt,
		// только если бонусная доля задана и ещё не применялась.
		if stake.EarlyCompletionBonus != nil && at.Before(stake.EndAt) && !stake.BonusApplied {
			bonus := EarlyBonus(stake.AccruedAmount, *stake.EarlyCompletionBonus)
			if bonus.IsPositive() {
				stake.AccruedAmount = stake.AccruedAmount.Add(bonus)
				entries = append(entries, model.LedgerEntry{
					ID:        uuid.New(),
					StakeID:   stake.ID,
					Kind:      model.LedgerEarlyBonus,
					Amount:    bonus,
					CreatedAt: at,
				})
			}
			stake.BonusApplied = true
		}
		stake.Status = model.StakeStatusCompleted

	case model.TriggerGoalFailed:
		// Распоряжение телом и накопленной суммой делегировано внешней
		// подсистеме распределения; здесь только заморозка состояния.
		stake.Status = model.StakeStatusForfeited

	case model.TriggerWithdraw:
		if !stake.WithdrawalFeeCharged {
			fee := WithdrawalFee(stake.Principal, stake.AccruedAmount, stake.FeeRateOnWithdrawal)
			if fee.IsPositive() {
				entries = append(entries, model.LedgerEntry{
					ID:        uuid.New(),
					StakeID:   stake.ID,
					Kind:      model.LedgerWithdrawalFee,
					Amount:    fee,
					CreatedAt: at,
				})
			}
			stake.WithdrawalFeeCharged = true
		}
		stake.Status = model.StakeStatusWithdrawn

	default:
		return stake, nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, trigger)
	}

	stake.UpdatedAt = at
	return stake, entries, nil
}
