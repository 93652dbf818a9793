// Package service реализует пользовательские операции поверх журнала баллов.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/coserbot-system/internal/model"
)

const (
	activityMin = 20
	activityMax = 100
	contentMin  = 5
	contentMax  = 50

	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// ErrPointsOutOfRange возвращается при начислении вне допустимого диапазона
// для данного типа баллов.
var ErrPointsOutOfRange = errors.New("points out of allowed range")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	EnsureUser(ctx context.Context, telegramID string) (*model.User, bool, error)
	GetUserByID(ctx context.Context, userID int64) (*model.User, error)
	Credit(ctx context.Context, userID, amount int64, kind model.RecordKind, description string) error
	Debit(ctx context.Context, userID, amount int64, kind model.RecordKind, description string) error
	Balance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit int) ([]model.PointRecord, error)
}

// Service содержит операции над пользователями и их баллами, не входящие в
// специализированные компоненты движка.
type Service struct {
	repo Repository
}

// NewService создаёт сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// EnsureUser возвращает пользователя по идентификатору Telegram, создавая
// его при первом обращении.
func (s *Service) EnsureUser(ctx context.Context, telegramID string) (*model.User, bool, error) {
	if telegramID == "" {
		return nil, false, errors.New("empty telegram id")
	}
	return s.repo.EnsureUser(ctx, telegramID)
}

// AddActivityPoints начисляет баллы за участие в активности (20–100).
func (s *Service) AddActivityPoints(ctx context.Context, userID, points int64, description string) error {
	if points < activityMin || points > activityMax {
		return fmt.Errorf("%w: activity points must be in [%d, %d]", ErrPointsOutOfRange, activityMin, activityMax)
	}
	return s.repo.Credit(ctx, userID, points, model.KindActivity, description)
}

// AddContentPoints начисляет баллы за публикацию контента (5–50).
func (s *Service) AddContentPoints(ctx context.Context, userID, points int64, description string) error {
	if points < contentMin || points > contentMax {
		return fmt.Errorf("%w: content points must be in [%d, %d]", ErrPointsOutOfRange, contentMin, contentMax)
	}
	return s.repo.Credit(ctx, userID, points, model.KindContent, description)
}

// Adjust выполняет административную корректировку баланса. Отрицательная
// delta списывает баллы и подчиняется проверке достаточности баланса.
func (s *Service) Adjust(ctx context.Context, userID, delta int64, description string) error {
	if delta >= 0 {
		return s.repo.Credit(ctx, userID, delta, model.KindAdjustment, description)
	}
	return s.repo.Debit(ctx, userID, -delta, model.KindAdjustment, description)
}

// Balance возвращает текущий баланс пользователя.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

// History возвращает записи журнала пользователя, новые первыми.
// Значение limit вне диапазона [1, 100] заменяется значением по умолчанию.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]model.PointRecord, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	return s.repo.History(ctx, userID, limit)
}
