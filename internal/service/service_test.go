package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/goalstake-system/internal/engine"
	"github.com/mmeshcher/goalstake-system/internal/model"
	"github.com/mmeshcher/goalstake-system/internal/rates"
	"github.com/mmeshcher/goalstake-system/internal/repository"
	"github.com/mmeshcher/goalstake-system/internal/validation"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	stakes map[uuid.UUID]*model.Stake

	createdStake   *model.Stake
	createdFee     *model.LedgerEntry
	createStakeErr error

	dueStakes    []model.Stake
	dueStakesErr error

	appliedResults []model.AccrualResult
	applyResultErr error

	appliedTransitions  int
	applyTransitionErrs []error

	ledger    []model.LedgerEntry
	ledgerErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) CreateStake(ctx context.Context, stake *model.Stake, feeEntry *model.LedgerEntry) error {
	s.createdStake = stake
	s.createdFee = feeEntry
	return s.createStakeErr
}

func (s *stubRepo) GetStake(ctx context.Context, id uuid.UUID) (*model.Stake, error) {
	stake, ok := s.stakes[id]
	if !ok {
		return nil, repository.ErrStakeNotFound
	}
	copied := *stake
	return &copied, nil
}

func (s *stubRepo) GetStakesByUser(ctx context.Context, userID int64) ([]model.Stake, error) {
	return nil, nil
}

func (s *stubRepo) GetDueStakes(ctx context.Context, now time.Time, limit int) ([]model.Stake, error) {
	return s.dueStakes, s.dueStakesErr
}

func (s *stubRepo) ApplyAccrualResult(ctx context.Context, prev time.Time, res model.AccrualResult) error {
	if s.applyResultErr != nil {
		return s.applyResultErr
	}
	s.appliedResults = append(s.appliedResults, res)
	return nil
}

func (s *stubRepo) ApplyTransition(ctx context.Context, prev time.Time, stake *model.Stake, entries []model.LedgerEntry) error {
	if s.appliedTransitions < len(s.applyTransitionErrs) {
		err := s.applyTransitionErrs[s.appliedTransitions]
		s.appliedTransitions++
		if err != nil {
			return err
		}
	} else {
		s.appliedTransitions++
	}
	s.stakes[stake.ID] = stake
	return nil
}

func (s *stubRepo) GetLedgerByStake(ctx context.Context, stakeID uuid.UUID) ([]model.LedgerEntry, error) {
	return s.ledger, s.ledgerErr
}

func newTestService(repo Repository) *Service {
	return NewService(repo, rates.NewResolver(""), zap.NewNop().Sugar(), 100)
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func validParams(t *testing.T) CreateStakeParams {
	t.Helper()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return CreateStakeParams{
		GoalID:              "goal-1",
		Principal:           dec(t, "1000"),
		APRModel:            model.APRModel{Kind: model.APRModelFixed, Rate: dec(t, "0.05")},
		FeeRateOnStake:      dec(t, "0.01"),
		FeeRateOnWithdrawal: dec(t, "0.02"),
		StartAt:             start,
		EndAt:               start.AddDate(0, 6, 0),
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createUserErr: repository.ErrUserExists,
	}
	svc := newTestService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user", "correct")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Login:        "user",
			PasswordHash: hashed,
		},
	}

	svc := newTestService(repo)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if err == nil {
		t.Fatalf("expected error for invalid credentials")
	}
}

func TestCreateStake_ChargesCreationFeeOnce(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	stake, err := svc.CreateStake(context.Background(), 1, validParams(t))
	if err != nil {
		t.Fatalf("CreateStake error: %v", err)
	}

	if stake.Status != model.StakeStatusActive {
		t.Fatalf("status = %s, want ACTIVE", stake.Status)
	}
	if !stake.AccruedAmount.IsZero() {
		t.Fatalf("accrued = %s, want 0", stake.AccruedAmount)
	}
	if !stake.LastAccrualAt.Equal(stake.StartAt) {
		t.Fatalf("last accrual = %s, want %s", stake.LastAccrualAt, stake.StartAt)
	}
	if !stake.CreationFeeCharged {
		t.Fatalf("CreationFeeCharged must be set")
	}

	if repo.createdFee == nil {
		t.Fatalf("expected creation fee ledger entry")
	}
	// 0.01 * 1000 = 10, тело ставки не уменьшается.
	if !repo.createdFee.Amount.Equal(dec(t, "10")) {
		t.Fatalf("fee = %s, want 10", repo.createdFee.Amount)
	}
	if !repo.createdStake.Principal.Equal(dec(t, "1000")) {
		t.Fatalf("principal = %s, want 1000", repo.createdStake.Principal)
	}
}

func TestCreateStake_ZeroFeeNoEntry(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	p := validParams(t)
	p.FeeRateOnStake = decimal.Zero

	if _, err := svc.CreateStake(context.Background(), 1, p); err != nil {
		t.Fatalf("CreateStake error: %v", err)
	}
	if repo.createdFee != nil {
		t.Fatalf("unexpected fee entry: %+v", repo.createdFee)
	}
}

func TestCreateStake_RejectsBadParams(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	tests := []struct {
		name   string
		mutate func(*CreateStakeParams)
	}{
		{name: "zero principal", mutate: func(p *CreateStakeParams) { p.Principal = decimal.Zero }},
		{name: "fee above one", mutate: func(p *CreateStakeParams) { p.FeeRateOnStake = dec(t, "1.5") }},
		{name: "negative withdrawal fee", mutate: func(p *CreateStakeParams) { p.FeeRateOnWithdrawal = dec(t, "-0.1") }},
		{name: "zero compounding period", mutate: func(p *CreateStakeParams) { p.Compounding = true; p.CompoundingPeriodDays = 0 }},
		{name: "empty window", mutate: func(p *CreateStakeParams) { p.EndAt = p.StartAt }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams(t)
			tt.mutate(&p)

			_, err := svc.CreateStake(context.Background(), 1, p)
			if !errors.Is(err, validation.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func storedActiveStake(t *testing.T, userID int64) *model.Stake {
	t.Helper()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.Stake{
		ID:                  uuid.New(),
		UserID:              userID,
		GoalID:              "goal-1",
		Principal:           dec(t, "500"),
		APRModel:            model.APRModel{Kind: model.APRModelFixed, Rate: dec(t, "0.05")},
		FeeRateOnWithdrawal: dec(t, "0.02"),
		AccruedAmount:       dec(t, "10"),
		StartAt:             start,
		EndAt:               start.AddDate(1, 0, 0),
		LastAccrualAt:       start,
		Status:              model.StakeStatusActive,
		CreatedAt:           start,
		UpdatedAt:           start,
	}
}

func TestWithdrawStake_RetriesOnStaleState(t *testing.T) {
	stake := storedActiveStake(t, 1)
	repo := &stubRepo{
		stakes:              map[uuid.UUID]*model.Stake{stake.ID: stake},
		applyTransitionErrs: []error{fmt.Errorf("%w: stake %s", repository.ErrStaleState, stake.ID), nil},
	}
	svc := newTestService(repo)

	got, err := svc.WithdrawStake(context.Background(), 1, stake.ID)
	if err != nil {
		t.Fatalf("WithdrawStake error: %v", err)
	}
	if got.Status != model.StakeStatusWithdrawn {
		t.Fatalf("status = %s, want WITHDRAWN", got.Status)
	}
	if repo.appliedTransitions != 2 {
		t.Fatalf("apply attempts = %d, want 2", repo.appliedTransitions)
	}
}

func TestCompleteStake_TerminalRejectedWithoutRetry(t *testing.T) {
	stake := storedActiveStake(t, 1)
	stake.Status = model.StakeStatusWithdrawn

	repo := &stubRepo{stakes: map[uuid.UUID]*model.Stake{stake.ID: stake}}
	svc := newTestService(repo)

	_, err := svc.CompleteStake(context.Background(), 1, stake.ID)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if repo.appliedTransitions != 0 {
		t.Fatalf("apply attempts = %d, want 0", repo.appliedTransitions)
	}
}

func TestGetStake_OwnershipEnforced(t *testing.T) {
	stake := storedActiveStake(t, 2)
	repo := &stubRepo{stakes: map[uuid.UUID]*model.Stake{stake.ID: stake}}
	svc := newTestService(repo)

	_, err := svc.GetStake(context.Background(), 1, stake.ID)
	if !errors.Is(err, ErrStakeOwnedByAnother) {
		t.Fatalf("err = %v, want ErrStakeOwnedByAnother", err)
	}
}

func TestRunAccrualPass_AppliesResults(t *testing.T) {
	first := storedActiveStake(t, 1)
	second := storedActiveStake(t, 2)
	now := first.LastAccrualAt.Add(24 * time.Hour)

	repo := &stubRepo{dueStakes: []model.Stake{*first, *second}}
	svc := newTestService(repo)

	applied, failed, err := svc.RunAccrualPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunAccrualPass error: %v", err)
	}
	if applied != 2 || failed != 0 {
		t.Fatalf("applied=%d failed=%d, want 2/0", applied, failed)
	}
	if len(repo.appliedResults) != 2 {
		t.Fatalf("applied results = %d, want 2", len(repo.appliedResults))
	}
	for _, res := range repo.appliedResults {
		if res.NewAccrued.LessThan(res.PreviousAccrued) {
			t.Fatalf("accrued decreased: %s -> %s", res.PreviousAccrued, res.NewAccrued)
		}
		if !res.NewLastAccrualAt.Equal(now) {
			t.Fatalf("new last accrual = %s, want %s", res.NewLastAccrualAt, now)
		}
	}
}

func TestRunAccrualPass_StaleResultSkipped(t *testing.T) {
	stake := storedActiveStake(t, 1)
	now := stake.LastAccrualAt.Add(24 * time.Hour)

	repo := &stubRepo{
		dueStakes:      []model.Stake{*stake},
		applyResultErr: fmt.Errorf("%w: stake %s", repository.ErrStaleState, stake.ID),
	}
	svc := newTestService(repo)

	applied, failed, err := svc.RunAccrualPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunAccrualPass error: %v", err)
	}
	// Гонка оптимистической блокировки — не отказ: ставка будет
	// пересчитана следующим проходом.
	if applied != 0 || failed != 0 {
		t.Fatalf("applied=%d failed=%d, want 0/0", applied, failed)
	}
}

func TestRunAccrualPass_NonActiveInDueSetFails(t *testing.T) {
	healthy := storedActiveStake(t, 1)
	broken := storedActiveStake(t, 1)
	broken.Status = model.StakeStatusCompleted

	now := healthy.LastAccrualAt.Add(24 * time.Hour)

	repo := &stubRepo{dueStakes: []model.Stake{*broken, *healthy}}
	svc := newTestService(repo)

	applied, failed, err := svc.RunAccrualPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunAccrualPass error: %v", err)
	}
	if applied != 1 || failed != 1 {
		t.Fatalf("applied=%d failed=%d, want 1/1", applied, failed)
	}
}

func TestStartAccrualSchedule_BadSpec(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	if _, err := svc.StartAccrualSchedule(context.Background(), "not-a-cron", false); err == nil {
		t.Fatalf("expected error for bad cron spec")
	}
}

func TestStartAccrualSchedule_StartsAndStops(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := svc.StartAccrualSchedule(ctx, "@daily", false)
	if err != nil {
		t.Fatalf("StartAccrualSchedule error: %v", err)
	}

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(time.Second):
		t.Fatalf("cron did not stop")
	}
}
