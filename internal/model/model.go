// Package model содержит доменные сущности сервиса coserbot.
package model

import "time"

// UserStatus описывает статус учётной записи пользователя.
type UserStatus string

const (
	UserStatusActive UserStatus = "active"
	UserStatusBanned UserStatus = "banned"
)

// User представляет участника сообщества. Поле Balance — денормализованная
// сумма всех записей журнала баллов пользователя; источником истины остаётся
// сам журнал.
type User struct {
	ID         int64
	TelegramID string
	Email      *string
	Status     UserStatus
	Balance    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RecordKind описывает тип записи журнала баллов.
type RecordKind string

const (
	KindCheckin    RecordKind = "checkin"
	KindActivity   RecordKind = "activity"
	KindContent    RecordKind = "content"
	KindTransfer   RecordKind = "transfer"
	KindAdjustment RecordKind = "adjustment"
)

// PointRecord — запись журнала баллов, журнал только дополняется.
// Delta знаковая: начисления положительные, списания отрицательные.
type PointRecord struct {
	ID          int64
	UserID      int64
	Delta       int64
	Kind        RecordKind
	Description string
	CreatedAt   time.Time
}

// TransferStatus описывает состояние запроса на передачу прав.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// TransferRequest — запрос на передачу прав между двумя пользователями.
// Хранится в эфемерном хранилище в виде JSON и живёт не дольше срока
// подтверждения.
type TransferRequest struct {
	ID         string         `json:"id"`
	FromUserID int64          `json:"from_user_id"`
	ToUserID   int64          `json:"to_user_id"`
	Amount     int64          `json:"amount"`
	Status     TransferStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}
