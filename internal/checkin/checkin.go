// Package checkin реализует ежедневный чек-ин и подсчёт серий.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coserbot-system/internal/kv"
	"github.com/mmeshcher/coserbot-system/internal/model"
)

const (
	dailyPoints  = 10
	weeklyBonus  = 20
	monthlyBonus = 100

	markerTTL = 24 * time.Hour
	streakTTL = 31 * 24 * time.Hour
)

// Ledger описывает контракт журнала баллов, используемый трекером.
type Ledger interface {
	Credit(ctx context.Context, userID, amount int64, kind model.RecordKind, description string) error
}

// Result описывает исход чек-ина. Повторный чек-ин в тот же день — не
// ошибка, а Awarded=false.
type Result struct {
	Awarded bool
	Points  int64
	Streak  int64
}

// Tracker отслеживает ежедневные чек-ины и серии подряд идущих дней.
type Tracker struct {
	store  kv.Store
	ledger Ledger
	logger *zap.Logger
}

// NewTracker создаёт трекер чек-инов.
func NewTracker(store kv.Store, ledger Ledger, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		ledger: ledger,
		logger: logger,
	}
}

func dayKey(userID int64, day time.Time) string {
	return fmt.Sprintf("checkin:%d:%s", userID, day.Format("2006-01-02"))
}

func streakKey(userID int64) string {
	return fmt.Sprintf("checkin_streak:%d", userID)
}

// Checkin выполняет чек-ин пользователя за календарный день now.
// Захватом дня служит NX-запись суточного маркера: из конкурентных вызовов
// за один день продолжит ровно один, остальные получат Awarded=false.
// Базовое начисление — 10 баллов; серия ровно из 7 дней добавляет 20,
// ровно из 30 — 100 (бонус только на точном значении, серия из 14 дней
// второго недельного бонуса не даёт). Если запись в журнал не удалась,
// суточный маркер и серия возвращаются в исходное состояние.
func (t *Tracker) Checkin(ctx context.Context, userID int64, now time.Time) (Result, error) {
	claimed, err := t.store.Set(ctx, dayKey(userID, now), "1", markerTTL, true)
	if err != nil {
		return Result{}, fmt.Errorf("claim checkin day: %w", err)
	}
	if !claimed {
		return Result{Streak: t.currentStreak(ctx, userID)}, nil
	}

	prevStreak, prevExists, err := t.readStreak(ctx, userID)
	if err != nil {
		t.rollback(ctx, userID, now, 0, false, false)
		return Result{}, err
	}

	streak := prevStreak
	yesterday, err := t.store.Exists(ctx, dayKey(userID, now.AddDate(0, 0, -1)))
	if err != nil {
		t.rollback(ctx, userID, now, 0, false, false)
		return Result{}, fmt.Errorf("check previous day: %w", err)
	}
	if !yesterday {
		streak = 0
	}
	streak++

	if _, err := t.store.Set(ctx, streakKey(userID), strconv.FormatInt(streak, 10), streakTTL, false); err != nil {
		t.rollback(ctx, userID, now, 0, false, false)
		return Result{}, fmt.Errorf("store streak: %w", err)
	}

	points := int64(dailyPoints)
	description := "daily check-in"
	switch streak {
	case 7:
		points += weeklyBonus
		description = "daily check-in, 7-day streak bonus"
	case 30:
		points += monthlyBonus
		description = "daily check-in, 30-day streak bonus"
	}

	if err := t.ledger.Credit(ctx, userID, points, model.KindCheckin, description); err != nil {
		t.rollback(ctx, userID, now, prevStreak, prevExists, true)
		return Result{}, fmt.Errorf("credit checkin: %w", err)
	}

	return Result{
		Awarded: true,
		Points:  points,
		Streak:  streak,
	}, nil
}

func (t *Tracker) readStreak(ctx context.Context, userID int64) (int64, bool, error) {
	val, err := t.store.Get(ctx, streakKey(userID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read streak: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse streak %q: %w", val, err)
	}
	return n, true, nil
}

func (t *Tracker) currentStreak(ctx context.Context, userID int64) int64 {
	n, _, err := t.readStreak(ctx, userID)
	if err != nil {
		return 0
	}
	return n
}

// rollback возвращает волатильное состояние чек-ина к исходному. Ошибки
// отката только логируются: оставшиеся ключи доживут до конца своего TTL и
// состояние выправится само.
func (t *Tracker) rollback(ctx context.Context, userID int64, day time.Time, prevStreak int64, prevExists, restoreStreak bool) {
	if _, err := t.store.Delete(ctx, dayKey(userID, day)); err != nil {
		t.logger.Error("rollback checkin marker",
			zap.Int64("userID", userID),
			zap.Error(err),
		)
	}

	if !restoreStreak {
		return
	}

	var err error
	if prevExists {
		_, err = t.store.Set(ctx, streakKey(userID), strconv.FormatInt(prevStreak, 10), streakTTL, false)
	} else {
		_, err = t.store.Delete(ctx, streakKey(userID))
	}
	if err != nil {
		t.logger.Error("rollback checkin streak",
			zap.Int64("userID", userID),
			zap.Error(err),
		)
	}
}
