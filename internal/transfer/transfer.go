// Package transfer реализует двухфазную передачу прав между пользователями.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coserbot-system/internal/kv"
	"github.com/mmeshcher/coserbot-system/internal/model"
	"github.com/mmeshcher/coserbot-system/internal/repository"
	"github.com/mmeshcher/coserbot-system/internal/verification"
)

const (
	cooldownDays = 90
	annualLimit  = 3
	confirmTTL   = 24 * time.Hour
)

var (
	// ErrNotFound возвращается, если запрос на передачу отсутствует или истёк.
	ErrNotFound = errors.New("transfer not found or expired")
	// ErrNotPending возвращается для уже завершённого или отменённого запроса.
	ErrNotPending = errors.New("transfer already resolved")
	// ErrCodeMismatch возвращается при неверном коде подтверждения.
	ErrCodeMismatch = errors.New("confirmation code mismatch")
	// ErrCooldown возвращается, пока не истёк период охлаждения после
	// предыдущей завершённой передачи.
	ErrCooldown = errors.New("transfer cooldown active")
	// ErrAnnualLimit возвращается при исчерпании годовой квоты передач.
	ErrAnnualLimit = errors.New("annual transfer limit reached")
	// ErrSameUser возвращается при попытке передачи самому себе.
	ErrSameUser = errors.New("transfer to the same user")
	// ErrAlreadyInitiated возвращается при повторной подаче того же запроса
	// в тот же момент времени.
	ErrAlreadyInitiated = errors.New("transfer already initiated")
)

// Ledger описывает контракт журнала баллов, используемый координатором.
type Ledger interface {
	GetUserByID(ctx context.Context, userID int64) (*model.User, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Transfer(ctx context.Context, fromUserID, toUserID, amount int64, description string) error
}

// Coordinator проводит передачу прав по схеме initiate → confirm/cancel.
// Запрос и код подтверждения живут в эфемерном хранилище с суточным TTL:
// брошенная передача истекает сама, без участия оператора.
type Coordinator struct {
	store  kv.Store
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator создаёт координатор передач.
func NewCoordinator(store kv.Store, ledger Ledger, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

func codeKey(transferID string) string {
	return "transfer_code:" + transferID
}

func lastTransferKey(userID int64) string {
	return fmt.Sprintf("last_transfer:%d", userID)
}

func countKey(userID int64, year int) string {
	return fmt.Sprintf("transfer_count:%d:%d", userID, year)
}

// Eligible сообщает, может ли пользователь инициировать передачу, и причину
// отказа. Учитываются только завершённые передачи: ожидающие подтверждения
// запросы сами по себе новую инициацию не блокируют.
func (c *Coordinator) Eligible(ctx context.Context, userID int64) (bool, string, error) {
	err := c.checkEligibility(ctx, userID)
	switch {
	case err == nil:
		return true, "", nil
	case errors.Is(err, repository.ErrUserNotFound):
		return false, "user not found", nil
	case errors.Is(err, ErrCooldown):
		return false, err.Error(), nil
	case errors.Is(err, ErrAnnualLimit):
		return false, err.Error(), nil
	default:
		return false, "", err
	}
}

func (c *Coordinator) checkEligibility(ctx context.Context, userID int64) error {
	if _, err := c.ledger.GetUserByID(ctx, userID); err != nil {
		return err
	}

	now := c.now()

	last, err := c.store.Get(ctx, lastTransferKey(userID))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("read last transfer: %w", err)
	}
	if err == nil {
		lastAt, parseErr := time.Parse(time.RFC3339, last)
		if parseErr != nil {
			return fmt.Errorf("parse last transfer %q: %w", last, parseErr)
		}
		if days := int(now.Sub(lastAt).Hours() / 24); days < cooldownDays {
			return fmt.Errorf("%w: %d days remaining", ErrCooldown, cooldownDays-days)
		}
	}

	count, err := c.store.Get(ctx, countKey(userID, now.Year()))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("read transfer count: %w", err)
	}
	if err == nil {
		n, parseErr := strconv.ParseInt(count, 10, 64)
		if parseErr != nil {
			return fmt.Errorf("parse transfer count %q: %w", count, parseErr)
		}
		if n >= annualLimit {
			return ErrAnnualLimit
		}
	}

	return nil
}

// Initiate создаёт запрос на передачу amount баллов и возвращает его
// идентификатор вместе с кодом подтверждения. Ожидающие запросы новую
// инициацию не блокируют: метка времени в идентификаторе наносекундная,
// коллизия возможна только при дословном повторе запроса в тот же момент.
// Баланс проверяется и здесь — для раннего отказа, и повторно при
// подтверждении: между фазами он мог измениться.
func (c *Coordinator) Initiate(ctx context.Context, fromUserID, toUserID, amount int64) (string, string, error) {
	if amount <= 0 {
		return "", "", repository.ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return "", "", ErrSameUser
	}

	if _, err := c.ledger.GetUserByID(ctx, toUserID); err != nil {
		return "", "", err
	}
	if err := c.checkEligibility(ctx, fromUserID); err != nil {
		return "", "", err
	}

	balance, err := c.ledger.Balance(ctx, fromUserID)
	if err != nil {
		return "", "", err
	}
	if balance < amount {
		return "", "", repository.ErrInsufficientBalance
	}

	now := c.now()
	rec := model.TransferRequest{
		ID:         fmt.Sprintf("transfer:%d:%d:%d", fromUserID, toUserID, now.UnixNano()),
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Amount:     amount,
		Status:     model.TransferStatusPending,
		CreatedAt:  now,
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", "", fmt.Errorf("marshal transfer: %w", err)
	}

	created, err := c.store.Set(ctx, rec.ID, string(raw), confirmTTL, true)
	if err != nil {
		return "", "", fmt.Errorf("store transfer: %w", err)
	}
	if !created {
		return "", "", fmt.Errorf("%w: %s", ErrAlreadyInitiated, rec.ID)
	}

	code, err := verification.GenerateCode()
	if err != nil {
		return "", "", fmt.Errorf("generate confirmation code: %w", err)
	}
	if _, err := c.store.Set(ctx, codeKey(rec.ID), code, confirmTTL, false); err != nil {
		return "", "", fmt.Errorf("store confirmation code: %w", err)
	}

	return rec.ID, code, nil
}

// Confirm завершает передачу по коду подтверждения. Атомарным захватом
// перехода PENDING → COMPLETED служит удаление кода: из конкурентных
// подтверждений успеет ровно одно. Баланс проверяется заново внутри
// транзакции журнала; при её отказе код возвращается на место, чтобы
// отправитель мог повторить попытку.
func (c *Coordinator) Confirm(ctx context.Context, transferID, code string) error {
	rec, err := c.get(ctx, transferID)
	if err != nil {
		return err
	}
	if rec.Status != model.TransferStatusPending {
		return ErrNotPending
	}

	stored, err := c.store.Get(ctx, codeKey(transferID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("read confirmation code: %w", err)
	}
	if stored != code {
		return ErrCodeMismatch
	}

	deleted, err := c.store.Delete(ctx, codeKey(transferID))
	if err != nil {
		return fmt.Errorf("consume confirmation code: %w", err)
	}
	if deleted == 0 {
		return ErrNotPending
	}

	description := "rights transfer " + transferID
	if err := c.ledger.Transfer(ctx, rec.FromUserID, rec.ToUserID, rec.Amount, description); err != nil {
		if _, restoreErr := c.store.Set(ctx, codeKey(transferID), stored, confirmTTL, false); restoreErr != nil {
			c.logger.Error("restore confirmation code after failed transfer",
				zap.String("transferID", transferID),
				zap.Error(restoreErr),
			)
		}
		return fmt.Errorf("ledger transfer: %w", err)
	}

	// Журнал зафиксирован — передача состоялась. Ошибки учёта квоты и
	// статуса дальше только логируются: эти ключи носят справочный
	// характер и выправятся при следующем чтении либо по TTL.
	now := c.now()
	yearEnd := time.Date(now.Year()+1, time.January, 1, 0, 0, 0, 0, now.Location())
	if _, err := c.store.IncrWithTTL(ctx, countKey(rec.FromUserID, now.Year()), yearEnd.Sub(now)); err != nil {
		c.logger.Error("increment annual transfer count",
			zap.String("transferID", transferID),
			zap.Error(err),
		)
	}
	if _, err := c.store.Set(ctx, lastTransferKey(rec.FromUserID), now.Format(time.RFC3339), 0, false); err != nil {
		c.logger.Error("store last transfer timestamp",
			zap.String("transferID", transferID),
			zap.Error(err),
		)
	}

	rec.Status = model.TransferStatusCompleted
	if err := c.put(ctx, rec); err != nil {
		c.logger.Error("store completed transfer",
			zap.String("transferID", transferID),
			zap.Error(err),
		)
	}

	return nil
}

// Cancel отменяет ожидающую передачу без изменений в журнале. Выходом из
// состояния PENDING владеет тот, кто удалил код подтверждения, поэтому
// гонка Cancel и Confirm разрешается ровно в пользу одного из них.
func (c *Coordinator) Cancel(ctx context.Context, transferID string) error {
	rec, err := c.get(ctx, transferID)
	if err != nil {
		return err
	}
	if rec.Status != model.TransferStatusPending {
		return ErrNotPending
	}

	stored, err := c.store.Get(ctx, codeKey(transferID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// Код уже израсходован конкурентным подтверждением.
			return ErrNotPending
		}
		return fmt.Errorf("read confirmation code: %w", err)
	}

	deleted, err := c.store.Delete(ctx, codeKey(transferID))
	if err != nil {
		return fmt.Errorf("consume confirmation code: %w", err)
	}
	if deleted == 0 {
		return ErrNotPending
	}

	rec.Status = model.TransferStatusCancelled
	if err := c.put(ctx, rec); err != nil {
		if _, restoreErr := c.store.Set(ctx, codeKey(transferID), stored, confirmTTL, false); restoreErr != nil {
			c.logger.Error("restore confirmation code after failed cancel",
				zap.String("transferID", transferID),
				zap.Error(restoreErr),
			)
		}
		return err
	}

	return nil
}

func (c *Coordinator) get(ctx context.Context, transferID string) (model.TransferRequest, error) {
	raw, err := c.store.Get(ctx, transferID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return model.TransferRequest{}, ErrNotFound
		}
		return model.TransferRequest{}, fmt.Errorf("read transfer: %w", err)
	}

	var rec model.TransferRequest
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.TransferRequest{}, fmt.Errorf("unmarshal transfer: %w", err)
	}
	return rec, nil
}

func (c *Coordinator) put(ctx context.Context, rec model.TransferRequest) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transfer: %w", err)
	}
	if _, err := c.store.Set(ctx, rec.ID, string(raw), confirmTTL, false); err != nil {
		return fmt.Errorf("store transfer: %w", err)
	}
	return nil
}
