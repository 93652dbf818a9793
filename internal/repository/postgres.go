// Package repository содержит реализацию журнала баллов в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/coserbot-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списать больше текущего баланса.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount возвращается при неположительной сумме операции.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// PostgresRepository предоставляет доступ к пользователям и журналу баллов.
// Каждая мутация баланса — одна транзакция: строка журнала и обновление
// денормализованного баланса фиксируются вместе либо не фиксируются вовсе.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий и инициализирует схему БД через миграции.
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

// withRetry повторяет операцию при сбоях сериализации и взаимных блокировках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureUser возвращает пользователя по идентификатору Telegram, создавая
// запись при первом обращении. Второй результат — признак того, что
// пользователь был создан этим вызовом.
func (r *PostgresRepository) EnsureUser(ctx context.Context, telegramID string) (*model.User, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO users (telegram_id) VALUES ($1) ON CONFLICT (telegram_id) DO NOTHING`,
		telegramID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	created := cmdTag.RowsAffected() == 1

	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT id, telegram_id, email, status, balance, created_at, updated_at
		 FROM users WHERE telegram_id = $1`,
		telegramID,
	))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return u, created, nil
}

// GetUserByID возвращает пользователя по внутреннему идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT id, telegram_id, email, status, balance, created_at, updated_at
		 FROM users WHERE id = $1`,
		userID,
	))
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var status string
	err := row.Scan(&u.ID, &u.TelegramID, &u.Email, &status, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Status = model.UserStatus(status)
	return &u, nil
}

// Credit начисляет баллы: вставляет строку журнала и увеличивает баланс в
// одной транзакции.
func (r *PostgresRepository) Credit(ctx context.Context, userID, amount int64, kind model.RecordKind, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.applyDelta(ctx, userID, amount, kind, description)
	})
}

// Debit списывает баллы; при нехватке баланса возвращает ErrInsufficientBalance.
func (r *PostgresRepository) Debit(ctx context.Context, userID, amount int64, kind model.RecordKind, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.applyDelta(ctx, userID, -amount, kind, description)
	})
}

// applyDelta выполняет одну мутацию баланса. Строка пользователя блокируется
// на время транзакции, поэтому параллельные списания не могут увести баланс
// в минус.
func (r *PostgresRepository) applyDelta(ctx context.Context, userID, delta int64, kind model.RecordKind, description string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyDeltaTx(ctx, tx, userID, delta, kind, description); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func applyDeltaTx(ctx context.Context, tx pgx.Tx, userID, delta int64, kind model.RecordKind, description string) error {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return fmt.Errorf("lock user: %w", err)
	}

	if balance+delta < 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO point_records (user_id, delta, kind, description) VALUES ($1, $2, $3, $4)`,
		userID, delta, string(kind), description,
	)
	if err != nil {
		return fmt.Errorf("insert point record: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = now() WHERE id = $1`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	return nil
}

// Transfer атомарно переносит amount баллов от одного пользователя к другому:
// две строки журнала и оба баланса фиксируются одной транзакцией. Строки
// пользователей блокируются в порядке возрастания id, чтобы встречные
// переводы не приводили к взаимной блокировке.
func (r *PostgresRepository) Transfer(ctx context.Context, fromUserID, toUserID, amount int64, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return fmt.Errorf("transfer to self: id %d", fromUserID)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		first, second := fromUserID, toUserID
		if second < first {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			var dummy int
			if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&dummy); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: id %d", ErrUserNotFound, id)
				}
				return fmt.Errorf("lock user: %w", err)
			}
		}

		if err := applyDeltaTx(ctx, tx, fromUserID, -amount, model.KindTransfer, description); err != nil {
			return err
		}
		if err := applyDeltaTx(ctx, tx, toUserID, amount, model.KindTransfer, description); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Balance возвращает текущий баланс пользователя.
func (r *PostgresRepository) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// History возвращает записи журнала пользователя, новые первыми.
func (r *PostgresRepository) History(ctx context.Context, userID int64, limit int) ([]model.PointRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, delta, kind, description, created_at
		 FROM point_records
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select point records: %w", err)
	}
	defer rows.Close()

	var res []model.PointRecord
	for rows.Next() {
		var rec model.PointRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Delta, &kind, &rec.Description, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point record: %w", err)
		}
		rec.Kind = model.RecordKind(kind)
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
