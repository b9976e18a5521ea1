// Package service реализует бизнес-логику движка ставок на цели.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/goalstake-system/internal/engine"
	"github.com/mmeshcher/goalstake-system/internal/model"
	"github.com/mmeshcher/goalstake-system/internal/repository"
	"github.com/mmeshcher/goalstake-system/internal/validation"
)

// ErrStakeOwnedByAnother возвращается при попытке действия над чужой ставкой.
var ErrStakeOwnedByAnother = errors.New("stake owned by another user")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateStake(ctx context.Context, stake *model.Stake, feeEntry *model.LedgerEntry) error
	GetStake(ctx context.Context, id uuid.UUID) (*model.Stake, error)
	GetStakesByUser(ctx context.Context, userID int64) ([]model.Stake, error)
	GetDueStakes(ctx context.Context, now time.Time, limit int) ([]model.Stake, error)
	ApplyAccrualResult(ctx context.Context, prevLastAccrualAt time.Time, res model.AccrualResult) error
	ApplyTransition(ctx context.Context, prevUpdatedAt time.Time, stake *model.Stake, entries []model.LedgerEntry) error
	GetLedgerByStake(ctx context.Context, stakeID uuid.UUID) ([]model.LedgerEntry, error)
}

const (
	// Число попыток применения перехода при гонке оптимистической блокировки.
	staleRetries = 3
	staleBackoff = 100 * time.Millisecond
)

// Service содержит бизнес-логику движка ставок.
type Service struct {
	repo      Repository
	scheduler *engine.Scheduler
	logger    *zap.SugaredLogger
	batchSize int
}

// NewService создаёт сервис с указанным репозиторием и резолвером ставок.
func NewService(repo Repository, rates engine.RateResolver, logger *zap.SugaredLogger, batchSize int) *Service {
	return &Service{
		repo:      repo,
		scheduler: engine.NewScheduler(rates),
		logger:    logger,
		batchSize: batchSize,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateStakeParams — параметры создания ставки.
type CreateStakeParams struct {
	GoalID                string
	Principal             decimal.Decimal
	APRModel              model.APRModel
	Compounding           bool
	CompoundingPeriodDays int
	FeeRateOnStake        decimal.Decimal
	FeeRateOnWithdrawal   decimal.Decimal
	EarlyCompletionBonus  *decimal.Decimal
	StartAt               time.Time
	EndAt                 time.Time
}

// CreateStake валидирует параметры, создаёт активную ставку и, если комиссия
// за создание положительна, запись журнала о ней. Комиссия вычисляется от
// полного principal и удерживается с источника финансирования — тело ставки
// не уменьшается.
func (s *Service) CreateStake(ctx context.Context, userID int64, p CreateStakeParams) (*model.Stake, error) {
	if err := validation.ValidatePrincipal(p.Principal); err != nil {
		return nil, err
	}
	if err := validation.ValidateFraction("feeRateOnStake", p.FeeRateOnStake); err != nil {
		return nil, err
	}
	if err := validation.ValidateFraction("feeRateOnWithdrawal", p.FeeRateOnWithdrawal); err != nil {
		return nil, err
	}
	if p.EarlyCompletionBonus != nil {
		if err := validation.ValidateFraction("earlyCompletionBonus", *p.EarlyCompletionBonus); err != nil {
			return nil, err
		}
	}
	if err := validation.ValidateCompounding(p.Compounding, p.CompoundingPeriodDays); err != nil {
		return nil, err
	}
	if err := validation.ValidateWindow(p.StartAt, p.EndAt); err != nil {
		return nil, err
	}

	now := nowUTC()
	stake := &model.Stake{
		ID:                    uuid.New(),
		UserID:                userID,
		GoalID:                p.GoalID,
		Principal:             p.Principal,
		APRModel:              p.APRModel,
		Compounding:           p.Compounding,
		CompoundingPeriodDays: p.CompoundingPeriodDays,
		FeeRateOnStake:        p.FeeRateOnStake,
		FeeRateOnWithdrawal:   p.FeeRateOnWithdrawal,
		EarlyCompletionBonus:  p.EarlyCompletionBonus,
		AccruedAmount:         decimal.Zero,
		StartAt:               p.StartAt,
		EndAt:                 p.EndAt,
		LastAccrualAt:         p.StartAt,
		Status:                model.StakeStatusActive,
		CreationFeeCharged:    true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	var feeEntry *model.LedgerEntry
	fee := engine.CreationFee(stake.Principal, stake.FeeRateOnStake)
	if fee.IsPositive() {
		feeEntry = &model.LedgerEntry{
			ID:        uuid.New(),
			StakeID:   stake.ID,
			Kind:      model.LedgerStakeFee,
			Amount:    fee,
			CreatedAt: now,
		}
	}

	if err := s.repo.CreateStake(ctx, stake, feeEntry); err != nil {
		return nil, err
	}

	return stake, nil
}

// GetStake возвращает ставку пользователя.
func (s *Service) GetStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error) {
	stake, err := s.repo.GetStake(ctx, id)
	if err != nil {
		return nil, err
	}
	if stake.UserID != userID {
		return nil, ErrStakeOwnedByAnother
	}
	return stake, nil
}

// GetStakesByUser возвращает список ставок пользователя.
func (s *Service) GetStakesByUser(ctx context.Context, userID int64) ([]model.Stake, error) {
	return s.repo.GetStakesByUser(ctx, userID)
}

// GetLedger возвращает записи журнала по ставке пользователя.
func (s *Service) GetLedger(ctx context.Context, userID int64, stakeID uuid.UUID) ([]model.LedgerEntry, error) {
	if _, err := s.GetStake(ctx, userID, stakeID); err != nil {
		return nil, err
	}
	return s.repo.GetLedgerByStake(ctx, stakeID)
}

// CompleteStake переводит ставку в Completed по сигналу «цель достигнута».
func (s *Service) CompleteStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error) {
	return s.transition(ctx, userID, id, model.TriggerGoalSucceeded)
}

// ForfeitStake переводит ставку в Forfeited по сигналу «цель провалена».
func (s *Service) ForfeitStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error) {
	return s.transition(ctx, userID, id, model.TriggerGoalFailed)
}

// WithdrawStake выполняет досрочный выход пользователя с удержанием комиссии.
func (s *Service) WithdrawStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error) {
	return s.transition(ctx, userID, id, model.TriggerWithdraw)
}

// transition выполняет цикл «прочитать-вычислить-применить» с повтором при
// ErrStaleState: гонка оптимистической блокировки доброкачественна, снимок
// перечитывается и переход вычисляется заново.
func (s *Service) transition(ctx context.Context, userID int64, id uuid.UUID, trigger model.Trigger) (*model.Stake, error) {
	var applied *model.Stake

	backoff := retry.WithMaxRetries(staleRetries, retry.NewConstant(staleBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		stake, err := s.GetStake(ctx, userID, id)
		if err != nil {
			return err
		}

		next, entries, err := engine.Transition(*stake, trigger, nowUTC())
		if err != nil {
			return err
		}

		if err := s.repo.ApplyTransition(ctx, stake.UpdatedAt, &next, entries); err != nil {
			if errors.Is(err, repository.ErrStaleState) {
				return retry.RetryableError(err)
			}
			return err
		}

		applied = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}

// RunAccrualPass выполняет один пакетный проход начислений: выбирает ставки,
// которым пора начислить, вычисляет инкременты и потранзакционно применяет
// результаты. Отказ записи по одной ставке не мешает записи по другим;
// ErrStaleState означает, что результат уже применил конкурирующий проход,
// и ставка будет пересчитана при следующем запуске.
func (s *Service) RunAccrualPass(ctx context.Context, now time.Time) (applied int, failed int, err error) {
	due, err := s.repo.GetDueStakes(ctx, now, s.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("get due stakes: %w", err)
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	prevAccrualAt := make(map[uuid.UUID]time.Time, len(due))
	for _, stake := range due {
		prevAccrualAt[stake.ID] = stake.LastAccrualAt
	}

	results, failures := s.scheduler.RunAccrualPass(ctx, now, due)
	for _, f := range failures {
		failed++
		s.logger.Errorw("accrual failed", "stake", f.StakeID, "error", f.Err)
	}

	for _, res := range results {
		if err := s.repo.ApplyAccrualResult(ctx, prevAccrualAt[res.StakeID], res); err != nil {
			if errors.Is(err, repository.ErrStaleState) {
				s.logger.Infow("accrual result lost optimistic race, will recompute next pass", "stake", res.StakeID)
				continue
			}
			failed++
			s.logger.Errorw("apply accrual result", "stake", res.StakeID, "error", err)
			continue
		}
		applied++
	}

	return applied, failed, nil
}

// StartAccrualSchedule запускает периодический проход начислений по
// cron-расписанию spec (например, "@daily"). Возвращённый cron нужно
// остановить при завершении приложения.
func (s *Service) StartAccrualSchedule(ctx context.Context, spec string, runOnStart bool) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(spec, func() {
		s.runAccrualPassLogged(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("register accrual schedule %q: %w", spec, err)
	}

	c.Start()
	s.logger.Infow("accrual schedule started", "spec", spec)

	if runOnStart {
		go s.runAccrualPassLogged(ctx)
	}

	return c, nil
}

func (s *Service) runAccrualPassLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	applied, failed, err := s.RunAccrualPass(ctx, nowUTC())
	if err != nil {
		s.logger.Errorw("accrual pass", "error", err)
		return
	}
	s.logger.Infow("accrual pass finished", "applied", applied, "failed", failed)
}

// nowUTC возвращает текущее время с точностью до микросекунд: таким же
// его вернёт PostgreSQL, поэтому токены оптимистической блокировки
// сравниваются без потери точности.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
