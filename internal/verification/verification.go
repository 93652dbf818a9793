// Package verification реализует выдачу и проверку одноразовых кодов
// подтверждения адреса электронной почты.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coserbot-system/internal/kv"
	"github.com/mmeshcher/coserbot-system/internal/ratelimit"
	"github.com/mmeshcher/coserbot-system/internal/validation"
)

const (
	codeTTL     = 10 * time.Minute
	retryLimit  = 5
	retryWindow = time.Hour
)

var (
	// ErrInvalidEmail возвращается при некорректном формате адреса.
	ErrInvalidEmail = errors.New("invalid email format")
	// ErrRateLimited возвращается при превышении лимита запросов кода.
	ErrRateLimited = errors.New("too many verification attempts")
	// ErrDeliveryFailed возвращается вместе с действительным кодом, если
	// письмо отправить не удалось. Код при этом остаётся валидным: доставка
	// не входит в контракт действительности кода.
	ErrDeliveryFailed = errors.New("verification email delivery failed")
)

// Sender описывает контракт доставки кода на адрес электронной почты.
// Доставка best-effort: её отказ не влияет на валидность кода.
type Sender interface {
	SendCode(ctx context.Context, email, code string) error
}

// Manager управляет жизненным циклом одноразовых кодов: выдача, проверка с
// одноразовым использованием, маркер успешной проверки.
type Manager struct {
	store   kv.Store
	limiter *ratelimit.Limiter
	sender  Sender
	logger  *zap.Logger
}

// NewManager создаёт менеджер кодов подтверждения.
func NewManager(store kv.Store, limiter *ratelimit.Limiter, sender Sender, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		limiter: limiter,
		sender:  sender,
		logger:  logger,
	}
}

func codeKey(identifier string) string {
	return "verify_code:" + identifier
}

func successKey(identifier string) string {
	return "verify_success:" + identifier
}

// Issue генерирует одноразовый код для идентификатора, сохраняет его на
// 10 минут и отправляет на указанный адрес. Устаревший маркер успешной
// проверки при этом сбрасывается. При ошибке доставки возвращается
// действительный код вместе с ErrDeliveryFailed.
func (m *Manager) Issue(ctx context.Context, identifier, email string) (string, error) {
	if identifier == "" {
		return "", errors.New("empty identifier")
	}
	if !validation.IsValidEmail(email) {
		return "", ErrInvalidEmail
	}

	if !m.limiter.Allow(ctx, "verify_retry", identifier, retryLimit, retryWindow) {
		return "", ErrRateLimited
	}

	code, err := GenerateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	if _, err := m.store.Set(ctx, codeKey(identifier), code, codeTTL, false); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}

	// Новый цикл подтверждения обнуляет результат предыдущего.
	if _, err := m.store.Delete(ctx, successKey(identifier)); err != nil {
		return "", fmt.Errorf("clear success marker: %w", err)
	}

	if err := m.sender.SendCode(ctx, email, code); err != nil {
		m.logger.Error("send verification code",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return code, ErrDeliveryFailed
	}

	return code, nil
}

// Validate сверяет код с сохранённым. Отсутствующий и истёкший коды
// неразличимы для вызывающего. Совпавший код удаляется до возврата true;
// атомарным захватом служит счётчик удалённых ключей, поэтому при
// конкурентных вызовах true получит не более одного из них. Несовпавший код
// остаётся на месте, но число попыток на идентификатор ограничено тем же
// бюджетом, что и выдача: подбор кода перебором упирается в ErrRateLimited.
// Ошибки хранилища трактуются как отказ в проверке (fail-closed).
func (m *Manager) Validate(ctx context.Context, identifier, candidate string) (bool, error) {
	if !validation.IsValidCode(candidate) {
		return false, nil
	}

	if !m.limiter.Allow(ctx, "verify_check", identifier, retryLimit, retryWindow) {
		return false, ErrRateLimited
	}

	stored, err := m.store.Get(ctx, codeKey(identifier))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read code: %w", err)
	}

	if stored != candidate {
		return false, nil
	}

	deleted, err := m.store.Delete(ctx, codeKey(identifier))
	if err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}
	if deleted == 0 {
		// Код успел израсходовать конкурентный вызов.
		return false, nil
	}

	// Код уже погашен, проверка состоялась; маркер нужен только
	// потребителям ниже по потоку, его потерю лишь логируем.
	if _, err := m.store.Set(ctx, successKey(identifier), "1", codeTTL, false); err != nil {
		m.logger.Error("store success marker",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
	}

	return true, nil
}

// IsVerified сообщает, есть ли действующий маркер успешной проверки.
func (m *Manager) IsVerified(ctx context.Context, identifier string) (bool, error) {
	ok, err := m.store.Exists(ctx, successKey(identifier))
	if err != nil {
		return false, fmt.Errorf("check success marker: %w", err)
	}
	return ok, nil
}

// GenerateCode возвращает шестизначный код с первой цифрой 1–9.
// Источник случайности криптографический: предсказуемость кода — прямой
// вектор захвата учётной записи.
func GenerateCode() (string, error) {
	var b strings.Builder

	first, err := rand.Int(rand.Reader, big.NewInt(9))
	if err != nil {
		return "", err
	}
	b.WriteByte(byte('1' + first.Int64()))

	for i := 0; i < 5; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}

	return b.String(), nil
}
