// Package model содержит доменные сущности движка начислений по ставкам на цели.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя системы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// StakeStatus описывает состояние жизненного цикла ставки.
type StakeStatus string

const (
	StakeStatusActive    StakeStatus = "ACTIVE"
	StakeStatusCompleted StakeStatus = "COMPLETED"
	StakeStatusForfeited StakeStatus = "FORFEITED"
	StakeStatusWithdrawn StakeStatus = "WITHDRAWN"
)

// Terminal сообщает, является ли состояние конечным.
func (s StakeStatus) Terminal() bool {
	switch s {
	case StakeStatusCompleted, StakeStatusForfeited, StakeStatusWithdrawn:
		return true
	}
	return false
}

// APRModelKind различает фиксированную и переменную модель годовой ставки.
type APRModelKind string

const (
	APRModelFixed    APRModelKind = "fixed"
	APRModelVariable APRModelKind = "var"
)

// ErrBadAPRModel возвращается при разборе некорректной записи модели ставки.
var ErrBadAPRModel = errors.New("bad apr model")

// APRModel описывает источник годовой ставки: фиксированное значение
// либо именованная переменная модель, разрешаемая внешним провайдером.
type APRModel struct {
	Kind APRModelKind
	// Rate заполнено только для фиксированной модели.
	Rate decimal.Decimal
	// Name заполнено только для переменной модели.
	Name string
}

// ParseAPRModel разбирает текстовую запись модели ставки:
// "fixed:0.05" или "var:cbr_key_rate".
func ParseAPRModel(s string) (APRModel, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return APRModel{}, fmt.Errorf("%w: %q", ErrBadAPRModel, s)
	}

	switch APRModelKind(kind) {
	case APRModelFixed:
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return APRModel{}, fmt.Errorf("%w: parse fixed rate %q: %v", ErrBadAPRModel, value, err)
		}
		if rate.IsNegative() {
			return APRModel{}, fmt.Errorf("%w: negative fixed rate %q", ErrBadAPRModel, value)
		}
		return APRModel{Kind: APRModelFixed, Rate: rate}, nil
	case APRModelVariable:
		return APRModel{Kind: APRModelVariable, Name: value}, nil
	}

	return APRModel{}, fmt.Errorf("%w: unknown kind %q", ErrBadAPRModel, kind)
}

// String возвращает текстовую запись модели, пригодную для хранения.
func (m APRModel) String() string {
	if m.Kind == APRModelFixed {
		return string(APRModelFixed) + ":" + m.Rate.String()
	}
	return string(APRModelVariable) + ":" + m.Name
}

// Stake представляет единицу капитала, поставленную на одну цель одним владельцем.
// Снимок неизменяем: операции движка возвращают новые снимки.
type Stake struct {
	ID     uuid.UUID
	UserID int64
	// GoalID — непрозрачный идентификатор цели во внешнем домене целей.
	GoalID string

	// Principal фиксируется при создании и никогда не изменяется.
	Principal decimal.Decimal
	APRModel  APRModel
	// Compounding включает капитализацию с периодом CompoundingPeriodDays.
	Compounding           bool
	CompoundingPeriodDays int

	FeeRateOnStake      decimal.Decimal
	FeeRateOnWithdrawal decimal.Decimal
	// EarlyCompletionBonus — необязательная доля бонуса за досрочное завершение.
	EarlyCompletionBonus *decimal.Decimal

	// AccruedAmount растёт только в состоянии Active и замораживается при выходе из него.
	AccruedAmount decimal.Decimal
	StartAt       time.Time
	EndAt         time.Time
	// LastAccrualAt двигается только вперёд и только проходом начислений.
	LastAccrualAt time.Time

	Status StakeStatus

	// Одноразовые флаги: каждая комиссия и бонус применяются не более одного раза.
	CreationFeeCharged   bool
	BonusApplied         bool
	WithdrawalFeeCharged bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntryKind описывает вид разовой финансовой корректировки.
type LedgerEntryKind string

const (
	LedgerStakeFee      LedgerEntryKind = "STAKE_FEE"
	LedgerWithdrawalFee LedgerEntryKind = "WITHDRAWAL_FEE"
	LedgerEarlyBonus    LedgerEntryKind = "EARLY_BONUS"
)

// LedgerEntry — запись о разовой комиссии или бонусе, порождённая переходом
// жизненного цикла. Журнал только пополняется, записи не изменяются.
type LedgerEntry struct {
	ID        uuid.UUID
	StakeID   uuid.UUID
	Kind      LedgerEntryKind
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Trigger — внешний сигнал, переводящий ставку из Active в конечное состояние.
type Trigger string

const (
	// TriggerGoalSucceeded — цель достигнута (возможен бонус за досрочность).
	TriggerGoalSucceeded Trigger = "GOAL_SUCCEEDED"
	// TriggerGoalFailed — цель провалена или истёк срок.
	TriggerGoalFailed Trigger = "GOAL_FAILED"
	// TriggerWithdraw — досрочный выход по инициативе пользователя.
	TriggerWithdraw Trigger = "WITHDRAW"
)

// AccrualResult — результат одного инкрементального начисления по ставке.
// NewAccrued = PreviousAccrued + начисленная дельта; запись результата
// в хранилище должна проверять, что LastAccrualAt не сдвинулся.
type AccrualResult struct {
	StakeID          uuid.UUID
	PreviousAccrued  decimal.Decimal
	NewAccrued       decimal.Decimal
	NewLastAccrualAt time.Time
}

// StakeFailure — отказ обработки одной ставки внутри пакетного прохода;
// не прерывает обработку остальных ставок.
type StakeFailure struct {
	StakeID uuid.UUID
	Err     error
}
