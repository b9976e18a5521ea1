package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/goalstake-system/internal/model"
)

// stubResolver разрешает фиксированные модели локально и отказывает
// по переменным, имитируя недоступного внешнего провайдера.
type stubResolver struct {
	variableErr error
}

func (r *stubResolver) Resolve(ctx context.Context, m model.APRModel) (decimal.Decimal, error) {
	if m.Kind == model.APRModelFixed {
		return m.Rate, nil
	}
	if r.variableErr != nil {
		return decimal.Zero, r.variableErr
	}
	return decimal.Zero, fmt.Errorf("unexpected variable model %q", m.Name)
}

func TestRunAccrualPass_IncrementalAccrual(t *testing.T) {
	stake := activeStake(t)
	stake.Principal = dec(t, "1000")
	now := stake.LastAccrualAt.Add(24 * time.Hour)

	s := NewScheduler(&stubResolver{})
	results, failures := s.RunAccrualPass(context.Background(), now, []model.Stake{stake})

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}

	res := results[0]
	if res.StakeID != stake.ID {
		t.Fatalf("stake id = %s, want %s", res.StakeID, stake.ID)
	}
	if !res.PreviousAccrued.Equal(stake.AccruedAmount) {
		t.Fatalf("previous accrued = %s, want %s", res.PreviousAccrued, stake.AccruedAmount)
	}
	// Добавка за сутки при 5% годовых на 1000: 0.13698630.
	want := stake.AccruedAmount.Add(dec(t, "0.13698630"))
	if !res.NewAccrued.Equal(want) {
		t.Fatalf("new accrued = %s, want %s", res.NewAccrued, want)
	}
	if !res.NewLastAccrualAt.Equal(now) {
		t.Fatalf("new last accrual = %s, want %s", res.NewLastAccrualAt, now)
	}
}

func TestRunAccrualPass_IdempotentAtSameNow(t *testing.T) {
	stake := activeStake(t)
	now := stake.LastAccrualAt.Add(24 * time.Hour)

	s := NewScheduler(&stubResolver{})

	first, failures := s.RunAccrualPass(context.Background(), now, []model.Stake{stake})
	if len(failures) != 0 || len(first) != 1 {
		t.Fatalf("first pass: results=%d failures=%+v", len(first), failures)
	}

	// Хранилище применило первый результат: LastAccrualAt сдвинут к now.
	stake.AccruedAmount = first[0].NewAccrued
	stake.LastAccrualAt = first[0].NewLastAccrualAt

	second, failures := s.RunAccrualPass(context.Background(), now, []model.Stake{stake})
	if len(failures) != 0 || len(second) != 1 {
		t.Fatalf("second pass: results=%d failures=%+v", len(second), failures)
	}
	if !second[0].NewAccrued.Equal(first[0].NewAccrued) {
		t.Fatalf("second pass accrued extra: %s -> %s", first[0].NewAccrued, second[0].NewAccrued)
	}
}

func TestRunAccrualPass_RejectsNonActive(t *testing.T) {
	completed := activeStake(t)
	completed.Status = model.StakeStatusCompleted

	healthy := activeStake(t)
	now := healthy.LastAccrualAt.Add(24 * time.Hour)

	s := NewScheduler(&stubResolver{})
	results, failures := s.RunAccrualPass(context.Background(), now, []model.Stake{completed, healthy})

	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].StakeID != completed.ID {
		t.Fatalf("failed stake = %s, want %s", failures[0].StakeID, completed.ID)
	}
	if !errors.Is(failures[0].Err, ErrInvalidTransition) {
		t.Fatalf("failure err = %v, want ErrInvalidTransition", failures[0].Err)
	}
	// Отказ по одной ставке не мешает обработке другой.
	if len(results) != 1 || results[0].StakeID != healthy.ID {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestRunAccrualPass_ResolverFailureDoesNotAbortBatch(t *testing.T) {
	broken := activeStake(t)
	broken.APRModel = model.APRModel{Kind: model.APRModelVariable, Name: "market_rate"}

	healthy := activeStake(t)
	now := healthy.LastAccrualAt.Add(24 * time.Hour)

	resolverErr := errors.New("rate provider unavailable")
	s := NewScheduler(&stubResolver{variableErr: resolverErr})

	results, failures := s.RunAccrualPass(context.Background(), now, []model.Stake{broken, healthy})
	if len(failures) != 1 || !errors.Is(failures[0].Err, resolverErr) {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 1 || results[0].StakeID != healthy.ID {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestRunAccrualPass_LastAccrualInFuture(t *testing.T) {
	stake := activeStake(t)
	now := stake.LastAccrualAt.Add(-time.Hour)

	s := NewScheduler(&stubResolver{})
	results, failures := s.RunAccrualPass(context.Background(), now, []model.Stake{stake})

	if len(results) != 0 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if len(failures) != 1 || !errors.Is(failures[0].Err, ErrInvalidInput) {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func TestRunAccrualPass_Monotonic(t *testing.T) {
	stake := activeStake(t)
	s := NewScheduler(&stubResolver{})

	for _, ahead := range []time.Duration{time.Second, time.Hour, 24 * time.Hour, 90 * 24 * time.Hour} {
		results, failures := s.RunAccrualPass(context.Background(), stake.LastAccrualAt.Add(ahead), []model.Stake{stake})
		if len(failures) != 0 || len(results) != 1 {
			t.Fatalf("ahead=%v: results=%d failures=%+v", ahead, len(results), failures)
		}
		if results[0].NewAccrued.LessThan(results[0].PreviousAccrued) {
			t.Fatalf("ahead=%v: accrued decreased %s -> %s", ahead, results[0].PreviousAccrued, results[0].NewAccrued)
		}
	}
}
