// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/goalstake-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrStakeNotFound возвращается, если ставка с указанным идентификатором отсутствует.
	ErrStakeNotFound = errors.New("stake not found")
	// ErrStaleState возвращается, если токен оптимистической блокировки сдвинулся
	// с момента чтения снимка: вызывающий код должен перечитать и повторить.
	ErrStaleState = errors.New("stale state")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Устаревший снимок ретраится выше, с перечитыванием; здесь повторяем
		// только Serialization Failure и Deadlock.
		if errors.Is(err, ErrStaleState) || errors.Is(err, ErrStakeNotFound) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

const stakeColumns = `id, user_id, goal_id, principal::text, apr_model,
	 compounding, compounding_period_days,
	 fee_rate_on_stake::text, fee_rate_on_withdrawal::text, early_completion_bonus::text,
	 accrued_amount::text, start_at, end_at, last_accrual_at, status,
	 creation_fee_charged, bonus_applied, withdrawal_fee_charged,
	 created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStake(row rowScanner) (*model.Stake, error) {
	var (
		s         model.Stake
		status    string
		principal string
		aprModel  string
		feeStake  string
		feeWd     string
		bonus     *string
		accrued   string
	)

	err := row.Scan(
		&s.ID, &s.UserID, &s.GoalID, &principal, &aprModel,
		&s.Compounding, &s.CompoundingPeriodDays,
		&feeStake, &feeWd, &bonus,
		&accrued, &s.StartAt, &s.EndAt, &s.LastAccrualAt, &status,
		&s.CreationFeeCharged, &s.BonusApplied, &s.WithdrawalFeeCharged,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = model.StakeStatus(status)

	if s.Principal, err = decimal.NewFromString(principal); err != nil {
		return nil, fmt.Errorf("parse principal: %w", err)
	}
	if s.APRModel, err = model.ParseAPRModel(aprModel); err != nil {
		return nil, fmt.Errorf("parse apr model: %w", err)
	}
	if s.FeeRateOnStake, err = decimal.NewFromString(feeStake); err != nil {
		return nil, fmt.Errorf("parse stake fee rate: %w", err)
	}
	if s.FeeRateOnWithdrawal, err = decimal.NewFromString(feeWd); err != nil {
		return nil, fmt.Errorf("parse withdrawal fee rate: %w", err)
	}
	if bonus != nil {
		b, err := decimal.NewFromString(*bonus)
		if err != nil {
			return nil, fmt.Errorf("parse early bonus: %w", err)
		}
		s.EarlyCompletionBonus = &b
	}
	if s.AccruedAmount, err = decimal.NewFromString(accrued); err != nil {
		return nil, fmt.Errorf("parse accrued amount: %w", err)
	}

	return &s, nil
}

// CreateStake сохраняет новую ставку и, если комиссия за создание положительна,
// запись журнала о ней — в одной транзакции.
func (r *PostgresRepository) CreateStake(ctx context.Context, stake *model.Stake, feeEntry *model.LedgerEntry) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var bonus *string
		if stake.EarlyCompletionBonus != nil {
			v := stake.EarlyCompletionBonus.String()
			bonus = &v
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO stakes (id, user_id, goal_id, principal, apr_model,
			    compounding, compounding_period_days,
			    fee_rate_on_stake, fee_rate_on_withdrawal, early_completion_bonus,
			    accrued_amount, start_at, end_at, last_accrual_at, status,
			    creation_fee_charged, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			stake.ID, stake.UserID, stake.GoalID, stake.Principal.String(), stake.APRModel.String(),
			stake.Compounding, stake.CompoundingPeriodDays,
			stake.FeeRateOnStake.String(), stake.FeeRateOnWithdrawal.String(), bonus,
			stake.AccruedAmount.String(), stake.StartAt, stake.EndAt, stake.LastAccrualAt, string(stake.Status),
			stake.CreationFeeCharged, stake.CreatedAt, stake.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert stake: %w", err)
		}

		if feeEntry != nil {
			if err := insertLedgerEntry(ctx, tx, feeEntry); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetStake возвращает ставку по идентификатору.
func (r *PostgresRepository) GetStake(ctx context.Context, id uuid.UUID) (*model.Stake, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE id = $1`,
		id,
	)

	s, err := scanStake(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStakeNotFound
		}
		return nil, fmt.Errorf("get stake: %w", err)
	}

	return s, nil
}

// GetStakesByUser возвращает ставки пользователя, новые первыми.
func (r *PostgresRepository) GetStakesByUser(ctx context.Context, userID int64) ([]model.Stake, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select stakes: %w", err)
	}
	defer rows.Close()

	var stakes []model.Stake
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stake: %w", err)
		}
		stakes = append(stakes, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stakes, nil
}

// GetDueStakes возвращает активные ставки, не начислявшиеся в текущие
// календарные сутки момента now. Политика «должно ли начисление» живёт
// здесь, в хранилище; движок видит только снимки и now.
func (r *PostgresRepository) GetDueStakes(ctx context.Context, now time.Time, limit int) ([]model.Stake, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+stakeColumns+`
		 FROM stakes
		 WHERE status = $1 AND last_accrual_at < date_trunc('day', $2::timestamptz)
		 ORDER BY last_accrual_at
		 LIMIT $3`,
		string(model.StakeStatusActive), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due stakes: %w", err)
	}
	defer rows.Close()

	var stakes []model.Stake
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stake: %w", err)
		}
		stakes = append(stakes, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stakes, nil
}

// ApplyAccrualResult записывает результат начисления с оптимистической
// проверкой: обновление проходит, только если last_accrual_at не сдвинулся
// с момента чтения снимка. Конкурирующий проход, посчитавший результат по
// устаревшему снимку, получает ErrStaleState, а не слепое применение.
func (r *PostgresRepository) ApplyAccrualResult(ctx context.Context, prevLastAccrualAt time.Time, res model.AccrualResult) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE stakes
			 SET accrued_amount = $1, last_accrual_at = $2, updated_at = $2
			 WHERE id = $3 AND status = $4 AND last_accrual_at = $5`,
			res.NewAccrued.String(), res.NewLastAccrualAt, res.StakeID,
			string(model.StakeStatusActive), prevLastAccrualAt,
		)
		if err != nil {
			return fmt.Errorf("apply accrual result: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return r.staleOrMissing(ctx, res.StakeID)
		}

		return nil
	})
}

// ApplyTransition записывает переход жизненного цикла и порождённые им записи
// журнала в одной транзакции, с оптимистической проверкой по updated_at.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, prevUpdatedAt time.Time, stake *model.Stake, entries []model.LedgerEntry) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE stakes
			 SET status = $1, accrued_amount = $2, bonus_applied = $3,
			     withdrawal_fee_charged = $4, updated_at = $5
			 WHERE id = $6 AND status = $7 AND updated_at = $8`,
			string(stake.Status), stake.AccruedAmount.String(), stake.BonusApplied,
			stake.WithdrawalFeeCharged, stake.UpdatedAt,
			stake.ID, string(model.StakeStatusActive), prevUpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return r.staleOrMissing(ctx, stake.ID)
		}

		for i := range entries {
			if err := insertLedgerEntry(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func (r *PostgresRepository) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stakes WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check stake existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrStakeNotFound, id)
	}
	return fmt.Errorf("%w: stake %s", ErrStaleState, id)
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, entry *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, stake_id, kind, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.StakeID, string(entry.Kind), entry.Amount.String(), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetLedgerByStake возвращает записи журнала по ставке в хронологическом порядке.
func (r *PostgresRepository) GetLedgerByStake(ctx context.Context, stakeID uuid.UUID) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, stake_id, kind, amount::text, created_at
		 FROM ledger_entries
		 WHERE stake_id = $1
		 ORDER BY created_at`,
		stakeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			kind   string
			amount string
		)
		if err := rows.Scan(&e.ID, &e.StakeID, &kind, &amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.LedgerEntryKind(kind)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
