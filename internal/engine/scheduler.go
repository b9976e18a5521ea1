package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/goalstake-system/internal/model"
)

// RateResolver разрешает модель годовой ставки в конкретное значение
// на момент вычисления. Фиксированные модели разрешаются тривиально,
// переменные — внешним провайдером рыночных данных.
type RateResolver interface {
	Resolve(ctx context.Context, m model.APRModel) (decimal.Decimal, error)
}

// Scheduler выполняет пакетный проход начислений по ставкам, чей интервал
// начисления истёк. Сам проход ничего не сохраняет: результаты возвращаются
// вызывающему коду для потранзакционной записи по каждой ставке.
type Scheduler struct {
	rates RateResolver
}

// NewScheduler создаёт планировщик начислений с указанным резолвером ставок.
func NewScheduler(rates RateResolver) *Scheduler {
	return &Scheduler{rates: rates}
}

// RunAccrualPass вычисляет инкрементальное начисление для каждой ставки из
// due на момент now. Для каждой ставки elapsed = now − LastAccrualAt;
// возвращаемое начисление — добавка к AccruedAmount, а не замена.
//
// Идемпотентность: если LastAccrualAt ставки уже равен now (первый результат
// применён хранилищем), повторный проход даёт elapsed = 0 и нулевую добавку —
// перезапуск прохода всегда безопасен.
//
// Отказ по одной ставке (неактивный статус в due-наборе, ошибка резолвера,
// LastAccrualAt в будущем) попадает в список отказов и не прерывает
// обработку остальных ставок.
func (s *Scheduler) RunAccrualPass(ctx context.Context, now time.Time, due []model.Stake) ([]model.AccrualResult, []model.StakeFailure) {
	results := make([]model.AccrualResult, 0, len(due))
	var failures []model.StakeFailure

	for _, stake := range due {
		res, err := s.accrueOne(ctx, now, stake)
		if err != nil {
			failures = append(failures, model.StakeFailure{StakeID: stake.ID, Err: err})
			continue
		}
		results = append(results, res)
	}

	return results, failures
}

func (s *Scheduler) accrueOne(ctx context.Context, now time.Time, stake model.Stake) (model.AccrualResult, error) {
	if stake.Status != model.StakeStatusActive {
		// Неактивная ставка в due-наборе — ошибка данных выше по течению,
		// а не повод молча пропустить или начислить.
		return model.AccrualResult{}, fmt.Errorf("%w: stake %s is %s, accrual requires ACTIVE",
			ErrInvalidTransition, stake.ID, stake.Status)
	}

	if stake.LastAccrualAt.After(now) {
		return model.AccrualResult{}, fmt.Errorf("%w: stake %s last accrual %s is after now %s",
			ErrInvalidInput, stake.ID, stake.LastAccrualAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	elapsed := int64(now.Sub(stake.LastAccrualAt) / time.Second)

	rate, err := s.rates.Resolve(ctx, stake.APRModel)
	if err != nil {
		return model.AccrualResult{}, fmt.Errorf("resolve rate for stake %s: %w", stake.ID, err)
	}

	incremental, err := ComputeAccrual(stake.Principal, elapsed, rate, stake.Compounding, stake.CompoundingPeriodDays)
	if err != nil {
		return model.AccrualResult{}, fmt.Errorf("compute accrual for stake %s: %w", stake.ID, err)
	}

	return model.AccrualResult{
		StakeID:          stake.ID,
		PreviousAccrued:  stake.AccruedAmount,
		NewAccrued:       stake.AccruedAmount.Add(incremental),
		NewLastAccrualAt: now,
	}, nil
}
