// Package handler содержит HTTP-обработчики API сервиса coserbot.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/coserbot-system/internal/checkin"
	"github.com/mmeshcher/coserbot-system/internal/model"
	"github.com/mmeshcher/coserbot-system/internal/repository"
	"github.com/mmeshcher/coserbot-system/internal/service"
	"github.com/mmeshcher/coserbot-system/internal/transfer"
	"github.com/mmeshcher/coserbot-system/internal/verification"
)

// Verifier определяет контракт менеджера кодов подтверждения.
type Verifier interface {
	Issue(ctx context.Context, identifier, email string) (string, error)
	Validate(ctx context.Context, identifier, candidate string) (bool, error)
}

// CheckinTracker определяет контракт трекера чек-инов.
type CheckinTracker interface {
	Checkin(ctx context.Context, userID int64, now time.Time) (checkin.Result, error)
}

// Transfers определяет контракт координатора передачи прав.
type Transfers interface {
	Eligible(ctx context.Context, userID int64) (bool, string, error)
	Initiate(ctx context.Context, fromUserID, toUserID, amount int64) (string, string, error)
	Confirm(ctx context.Context, transferID, code string) error
	Cancel(ctx context.Context, transferID string) error
}

// Users определяет контракт пользовательских операций.
type Users interface {
	EnsureUser(ctx context.Context, telegramID string) (*model.User, bool, error)
	AddActivityPoints(ctx context.Context, userID, points int64, description string) error
	AddContentPoints(ctx context.Context, userID, points int64, description string) error
	Balance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit int) ([]model.PointRecord, error)
}

// Handler реализует HTTP-обработчики API сервиса coserbot.
type Handler struct {
	users     Users
	verifier  Verifier
	checkins  CheckinTracker
	transfers Transfers
	logger    *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(users Users, verifier Verifier, checkins CheckinTracker, transfers Transfers, logger *zap.Logger) *Handler {
	return &Handler{
		users:     users,
		verifier:  verifier,
		checkins:  checkins,
		transfers: transfers,
		logger:    logger,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	h.logger.Error(msg, append(fields, zap.Error(err))...)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type ensureUserRequest struct {
	TelegramID string `json:"telegram_id"`
}

type userResponse struct {
	ID         int64  `json:"id"`
	TelegramID string `json:"telegram_id"`
	Status     string `json:"status"`
	Balance    int64  `json:"balance"`
}

// EnsureUser регистрирует пользователя при первом обращении и возвращает его
// в обоих случаях: 201 для нового, 200 для существующего.
func (h *Handler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var req ensureUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TelegramID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, created, err := h.users.EnsureUser(r.Context(), req.TelegramID)
	if err != nil {
		h.internalError(w, "ensure user error", err, zap.String("telegramID", req.TelegramID))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, userResponse{
		ID:         u.ID,
		TelegramID: u.TelegramID,
		Status:     string(u.Status),
		Balance:    u.Balance,
	})
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetBalance возвращает текущий баланс пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.users.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.internalError(w, "get balance error", err, zap.Int64("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

type recordResponse struct {
	Delta       int64  `json:"delta"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// GetRecords возвращает записи журнала баллов пользователя, новые первыми.
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.users.History(r.Context(), userID, limit)
	if err != nil {
		h.internalError(w, "get records error", err, zap.Int64("userID", userID))
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, recordResponse{
			Delta:       rec.Delta,
			Kind:        string(rec.Kind),
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type checkinResponse struct {
	Awarded bool  `json:"awarded"`
	Points  int64 `json:"points"`
	Streak  int64 `json:"streak"`
}

// Checkin выполняет ежедневный чек-ин пользователя. Повторный чек-ин за тот
// же день возвращает 200 с awarded=false.
func (h *Handler) Checkin(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.checkins.Checkin(r.Context(), userID, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.internalError(w, "checkin error", err, zap.Int64("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, checkinResponse{
		Awarded: res.Awarded,
		Points:  res.Points,
		Streak:  res.Streak,
	})
}

type addPointsRequest struct {
	Kind        string `json:"kind"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
}

// AddPoints начисляет пользователю баллы за активность или контент.
func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req addPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var err error
	switch model.RecordKind(req.Kind) {
	case model.KindActivity:
		err = h.users.AddActivityPoints(r.Context(), userID, req.Points, req.Description)
	case model.KindContent:
		err = h.users.AddContentPoints(r.Context(), userID, req.Points, req.Description)
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, service.ErrPointsOutOfRange):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.internalError(w, "add points error", err, zap.Int64("userID", userID))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type issueRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
}

type issueResponse struct {
	Code      string `json:"code"`
	Delivered bool   `json:"delivered"`
}

// IssueVerification выдаёт одноразовый код подтверждения. При отказе доставки
// код всё равно возвращается доверенному фронтенду с delivered=false.
func (h *Handler) IssueVerification(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	code, err := h.verifier.Issue(r.Context(), req.Identifier, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, verification.ErrInvalidEmail):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, verification.ErrRateLimited):
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		case errors.Is(err, verification.ErrDeliveryFailed):
			h.writeJSON(w, http.StatusOK, issueResponse{Code: code, Delivered: false})
		default:
			h.internalError(w, "issue verification error", err, zap.String("identifier", req.Identifier))
		}
		return
	}

	h.writeJSON(w, http.StatusOK, issueResponse{Code: code, Delivered: true})
}

type validateRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// ValidateVerification проверяет одноразовый код.
func (h *Handler) ValidateVerification(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	valid, err := h.verifier.Validate(r.Context(), req.Identifier, req.Code)
	if err != nil {
		if errors.Is(err, verification.ErrRateLimited) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		h.internalError(w, "validate verification error", err, zap.String("identifier", req.Identifier))
		return
	}

	h.writeJSON(w, http.StatusOK, validateResponse{Valid: valid})
}

type eligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// GetTransferEligibility сообщает, может ли пользователь инициировать передачу прав.
func (h *Handler) GetTransferEligibility(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	eligible, reason, err := h.transfers.Eligible(r.Context(), userID)
	if err != nil {
		h.internalError(w, "transfer eligibility error", err, zap.Int64("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, eligibilityResponse{Eligible: eligible, Reason: reason})
}

type initiateTransferRequest struct {
	FromUserID int64 `json:"from_user_id"`
	ToUserID   int64 `json:"to_user_id"`
	Amount     int64 `json:"amount"`
}

type initiateTransferResponse struct {
	TransferID string `json:"transfer_id"`
	Code       string `json:"code"`
}

// InitiateTransfer создаёт запрос на передачу прав и возвращает его
// идентификатор вместе с кодом подтверждения для доставки отправителю.
func (h *Handler) InitiateTransfer(w http.ResponseWriter, r *http.Request) {
	var req initiateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	transferID, code, err := h.transfers.Initiate(r.Context(), req.FromUserID, req.ToUserID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvalidAmount), errors.Is(err, transfer.ErrSameUser):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, transfer.ErrAlreadyInitiated):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, transfer.ErrCooldown), errors.Is(err, transfer.ErrAnnualLimit):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.internalError(w, "initiate transfer error", err,
				zap.Int64("fromUserID", req.FromUserID),
				zap.Int64("toUserID", req.ToUserID),
			)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, initiateTransferResponse{TransferID: transferID, Code: code})
}

type confirmTransferRequest struct {
	TransferID string `json:"transfer_id"`
	Code       string `json:"code"`
}

// ConfirmTransfer завершает передачу прав по коду подтверждения.
func (h *Handler) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	var req confirmTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransferID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.transfers.Confirm(r.Context(), req.TransferID, req.Code); err != nil {
		switch {
		case errors.Is(err, transfer.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, transfer.ErrNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, transfer.ErrCodeMismatch):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.internalError(w, "confirm transfer error", err, zap.String("transferID", req.TransferID))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type cancelTransferRequest struct {
	TransferID string `json:"transfer_id"`
}

// CancelTransfer отменяет ожидающую передачу прав.
func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	var req cancelTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransferID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.transfers.Cancel(r.Context(), req.TransferID); err != nil {
		switch {
		case errors.Is(err, transfer.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, transfer.ErrNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.internalError(w, "cancel transfer error", err, zap.String("transferID", req.TransferID))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
