// Package handler содержит HTTP-обработчики API движка ставок на цели.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/goalstake-system/internal/engine"
	"github.com/mmeshcher/goalstake-system/internal/middleware"
	"github.com/mmeshcher/goalstake-system/internal/model"
	"github.com/mmeshcher/goalstake-system/internal/repository"
	"github.com/mmeshcher/goalstake-system/internal/service"
	"github.com/mmeshcher/goalstake-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateStake(ctx context.Context, userID int64, p service.CreateStakeParams) (*model.Stake, error)
	GetStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error)
	GetStakesByUser(ctx context.Context, userID int64) ([]model.Stake, error)
	GetLedger(ctx context.Context, userID int64, stakeID uuid.UUID) ([]model.LedgerEntry, error)
	CompleteStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error)
	ForfeitStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error)
	WithdrawStake(ctx context.Context, userID int64, id uuid.UUID) (*model.Stake, error)
}

// Handler реализует HTTP-обработчики API движка ставок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createStakeRequest struct {
	GoalID                string           `json:"goal_id"`
	Principal             decimal.Decimal  `json:"principal"`
	APRModel              string           `json:"apr_model"`
	Compounding           bool             `json:"compounding"`
	CompoundingPeriodDays int              `json:"compounding_period_days"`
	FeeRateOnStake        decimal.Decimal  `json:"fee_rate_on_stake"`
	FeeRateOnWithdrawal   decimal.Decimal  `json:"fee_rate_on_withdrawal"`
	EarlyCompletionBonus  *decimal.Decimal `json:"early_completion_bonus,omitempty"`
	StartAt               time.Time        `json:"start_at"`
	EndAt                 time.Time        `json:"end_at"`
}

type stakeResponse struct {
	ID                    string           `json:"id"`
	GoalID                string           `json:"goal_id"`
	Principal             decimal.Decimal  `json:"principal"`
	APRModel              string           `json:"apr_model"`
	Compounding           bool             `json:"compounding"`
	CompoundingPeriodDays int              `json:"compounding_period_days,omitempty"`
	FeeRateOnStake        decimal.Decimal  `json:"fee_rate_on_stake"`
	FeeRateOnWithdrawal   decimal.Decimal  `json:"fee_rate_on_withdrawal"`
	EarlyCompletionBonus  *decimal.Decimal `json:"early_completion_bonus,omitempty"`
	AccruedAmount         decimal.Decimal  `json:"accrued_amount"`
	StartAt               string           `json:"start_at"`
	EndAt                 string           `json:"end_at"`
	LastAccrualAt         string           `json:"last_accrual_at"`
	Status                string           `json:"status"`
}

func toStakeResponse(s *model.Stake) stakeResponse {
	return stakeResponse{
		ID:                    s.ID.String(),
		GoalID:                s.GoalID,
		Principal:             s.Principal,
		APRModel:              s.APRModel.String(),
		Compounding:           s.Compounding,
		CompoundingPeriodDays: s.CompoundingPeriodDays,
		FeeRateOnStake:        s.FeeRateOnStake,
		FeeRateOnWithdrawal:   s.FeeRateOnWithdrawal,
		EarlyCompletionBonus:  s.EarlyCompletionBonus,
		AccruedAmount:         s.AccruedAmount,
		StartAt:               s.StartAt.Format(time.RFC3339),
		EndAt:                 s.EndAt.Format(time.RFC3339),
		LastAccrualAt:         s.LastAccrualAt.Format(time.RFC3339),
		Status:                string(s.Status),
	}
}

// CreateStake создаёт новую ставку на цель для текущего пользователя.
func (h *Handler) CreateStake(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createStakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	aprModel, err := model.ParseAPRModel(req.APRModel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stake, err := h.service.CreateStake(r.Context(), userID, service.CreateStakeParams{
		GoalID:                req.GoalID,
		Principal:             req.Principal,
		APRModel:              aprModel,
		Compounding:           req.Compounding,
		CompoundingPeriodDays: req.CompoundingPeriodDays,
		FeeRateOnStake:        req.FeeRateOnStake,
		FeeRateOnWithdrawal:   req.FeeRateOnWithdrawal,
		EarlyCompletionBonus:  req.EarlyCompletionBonus,
		StartAt:               req.StartAt,
		EndAt:                 req.EndAt,
	})
	if err != nil {
		if errors.Is(err, validation.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("create stake error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toStakeResponse(stake)); err != nil {
		h.logger.Error("encode stake response", zap.Error(err))
	}
}

// GetStakes возвращает список ставок текущего пользователя.
func (h *Handler) GetStakes(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stakes, err := h.service.GetStakesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get stakes error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(stakes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]stakeResponse, 0, len(stakes))
	for i := range stakes {
		resp = append(resp, toStakeResponse(&stakes[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetStake возвращает одну ставку текущего пользователя.
func (h *Handler) GetStake(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	stake, err := h.service.GetStake(r.Context(), userID, stakeID)
	if err != nil {
		h.writeStakeError(w, err, userID, stakeID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toStakeResponse(stake)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// CompleteStake фиксирует достижение цели и завершает ставку.
func (h *Handler) CompleteStake(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CompleteStake)
}

// ForfeitStake фиксирует провал цели и замораживает ставку.
func (h *Handler) ForfeitStake(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ForfeitStake)
}

// WithdrawStake выполняет досрочный выход из ставки с удержанием комиссии.
func (h *Handler) WithdrawStake(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.WithdrawStake)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, uuid.UUID) (*model.Stake, error)) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	stake, err := op(r.Context(), userID, stakeID)
	if err != nil {
		h.writeStakeError(w, err, userID, stakeID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toStakeResponse(stake)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type ledgerEntryResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt string          `json:"created_at"`
}

// GetLedger возвращает записи журнала комиссий и бонусов по ставке.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.service.GetLedger(r.Context(), userID, stakeID)
	if err != nil {
		h.writeStakeError(w, err, userID, stakeID)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:        e.ID.String(),
			Kind:      string(e.Kind),
			Amount:    e.Amount,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// writeStakeError преобразует ошибки бизнес-логики в HTTP-статусы. Чужая
// ставка отвечает 404, а не 403: существование ставки не раскрывается.
func (h *Handler) writeStakeError(w http.ResponseWriter, err error, userID int64, stakeID uuid.UUID) {
	switch {
	case errors.Is(err, repository.ErrStakeNotFound), errors.Is(err, service.ErrStakeOwnedByAnother):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, repository.ErrStaleState):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("stake operation error", zap.Error(err), zap.Int64("userID", userID), zap.String("stakeID", stakeID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
