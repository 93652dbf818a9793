package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coserbot-system/internal/checkin"
	"github.com/mmeshcher/coserbot-system/internal/kv"
	custommiddleware "github.com/mmeshcher/coserbot-system/internal/middleware"
	"github.com/mmeshcher/coserbot-system/internal/model"
	"github.com/mmeshcher/coserbot-system/internal/ratelimit"
	"github.com/mmeshcher/coserbot-system/internal/repository"
	"github.com/mmeshcher/coserbot-system/internal/service"
	"github.com/mmeshcher/coserbot-system/internal/transfer"
	"github.com/mmeshcher/coserbot-system/internal/verification"
)

type stubUsers struct {
	ensureUser        func(ctx context.Context, telegramID string) (*model.User, bool, error)
	addActivityPoints func(ctx context.Context, userID, points int64, description string) error
	addContentPoints  func(ctx context.Context, userID, points int64, description string) error
	balance           func(ctx context.Context, userID int64) (int64, error)
	history           func(ctx context.Context, userID int64, limit int) ([]model.PointRecord, error)
}

func (s *stubUsers) EnsureUser(ctx context.Context, telegramID string) (*model.User, bool, error) {
	return s.ensureUser(ctx, telegramID)
}

func (s *stubUsers) AddActivityPoints(ctx context.Context, userID, points int64, description string) error {
	return s.addActivityPoints(ctx, userID, points, description)
}

func (s *stubUsers) AddContentPoints(ctx context.Context, userID, points int64, description string) error {
	return s.addContentPoints(ctx, userID, points, description)
}

func (s *stubUsers) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.balance(ctx, userID)
}

func (s *stubUsers) History(ctx context.Context, userID int64, limit int) ([]model.PointRecord, error) {
	return s.history(ctx, userID, limit)
}

type stubVerifier struct {
	issue    func(ctx context.Context, identifier, email string) (string, error)
	validate func(ctx context.Context, identifier, candidate string) (bool, error)
}

func (s *stubVerifier) Issue(ctx context.Context, identifier, email string) (string, error) {
	return s.issue(ctx, identifier, email)
}

func (s *stubVerifier) Validate(ctx context.Context, identifier, candidate string) (bool, error) {
	return s.validate(ctx, identifier, candidate)
}

type stubCheckins struct {
	checkin func(ctx context.Context, userID int64, now time.Time) (checkin.Result, error)
}

func (s *stubCheckins) Checkin(ctx context.Context, userID int64, now time.Time) (checkin.Result, error) {
	return s.checkin(ctx, userID, now)
}

type stubTransfers struct {
	eligible func(ctx context.Context, userID int64) (bool, string, error)
	initiate func(ctx context.Context, fromUserID, toUserID, amount int64) (string, string, error)
	confirm  func(ctx context.Context, transferID, code string) error
	cancel   func(ctx context.Context, transferID string) error
}

func (s *stubTransfers) Eligible(ctx context.Context, userID int64) (bool, string, error) {
	return s.eligible(ctx, userID)
}

func (s *stubTransfers) Initiate(ctx context.Context, fromUserID, toUserID, amount int64) (string, string, error) {
	return s.initiate(ctx, fromUserID, toUserID, amount)
}

func (s *stubTransfers) Confirm(ctx context.Context, transferID, code string) error {
	return s.confirm(ctx, transferID, code)
}

func (s *stubTransfers) Cancel(ctx context.Context, transferID string) error {
	return s.cancel(ctx, transferID)
}

const testSignatureKey = "test-secret"

func newTestServer(users Users, verifier Verifier, checkins CheckinTracker, transfers Transfers) *httptest.Server {
	logger := zap.NewNop()
	h := NewHandler(users, verifier, checkins, transfers, logger)
	limiter := ratelimit.New(kv.NewMemory(), logger)
	sign := custommiddleware.NewSignatureMiddleware(testSignatureKey, limiter)
	return httptest.NewServer(h.SetupRouter(sign))
}

func doSigned(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	sign := custommiddleware.NewSignatureMiddleware(testSignatureKey, nil)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Nonce", "nonce-1")
	req.Header.Set("X-Signature", sign.Sign(timestamp, "nonce-1", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestEnsureUserHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		created    bool
		wantStatus int
	}{
		{name: "new user", body: `{"telegram_id":"42"}`, created: true, wantStatus: http.StatusCreated},
		{name: "existing user", body: `{"telegram_id":"42"}`, created: false, wantStatus: http.StatusOK},
		{name: "empty telegram id", body: `{"telegram_id":""}`, wantStatus: http.StatusBadRequest},
		{name: "broken json", body: `{"telegram_id":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &stubUsers{
				ensureUser: func(_ context.Context, telegramID string) (*model.User, bool, error) {
					return &model.User{ID: 1, TelegramID: telegramID, Status: model.UserStatusActive}, tt.created, nil
				},
			}
			srv := newTestServer(users, nil, nil, nil)
			defer srv.Close()

			resp := doSigned(t, http.MethodPost, srv.URL+"/api/users", []byte(tt.body))
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestGetBalanceHandler(t *testing.T) {
	users := &stubUsers{
		balance: func(_ context.Context, userID int64) (int64, error) {
			if userID != 1 {
				return 0, repository.ErrUserNotFound
			}
			return 150, nil
		},
	}
	srv := newTestServer(users, nil, nil, nil)
	defer srv.Close()

	resp := doSigned(t, http.MethodGet, srv.URL+"/api/users/1/balance", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, resp, &got)
	if got.Balance != 150 {
		t.Fatalf("balance = %d, want 150", got.Balance)
	}

	resp = doSigned(t, http.MethodGet, srv.URL+"/api/users/99/balance", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	resp = doSigned(t, http.MethodGet, srv.URL+"/api/users/abc/balance", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestGetRecordsHandler(t *testing.T) {
	created := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	users := &stubUsers{
		history: func(_ context.Context, userID int64, _ int) ([]model.PointRecord, error) {
			if userID != 1 {
				return nil, nil
			}
			return []model.PointRecord{
				{Delta: 10, Kind: model.KindCheckin, Description: "daily check-in", CreatedAt: created},
			}, nil
		},
	}
	srv := newTestServer(users, nil, nil, nil)
	defer srv.Close()

	resp := doSigned(t, http.MethodGet, srv.URL+"/api/users/1/records", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got []struct {
		Delta int64  `json:"delta"`
		Kind  string `json:"kind"`
	}
	decodeBody(t, resp, &got)
	if len(got) != 1 || got[0].Delta != 10 || got[0].Kind != "checkin" {
		t.Fatalf("records = %+v, want single checkin record", got)
	}

	resp = doSigned(t, http.MethodGet, srv.URL+"/api/users/2/records", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty history status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestCheckinHandler(t *testing.T) {
	checkins := &stubCheckins{
		checkin: func(_ context.Context, userID int64, _ time.Time) (checkin.Result, error) {
			if userID != 1 {
				return checkin.Result{}, repository.ErrUserNotFound
			}
			return checkin.Result{Awarded: true, Points: 10, Streak: 3}, nil
		},
	}
	srv := newTestServer(nil, nil, checkins, nil)
	defer srv.Close()

	resp := doSigned(t, http.MethodPost, srv.URL+"/api/users/1/checkin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got struct {
		Awarded bool  `json:"awarded"`
		Points  int64 `json:"points"`
		Streak  int64 `json:"streak"`
	}
	decodeBody(t, resp, &got)
	if !got.Awarded || got.Points != 10 || got.Streak != 3 {
		t.Fatalf("response = %+v, want awarded 10 points with streak 3", got)
	}

	resp = doSigned(t, http.MethodPost, srv.URL+"/api/users/99/checkin", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestAddPointsHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "activity points", body: `{"kind":"activity","points":50,"description":"event"}`, wantStatus: http.StatusOK},
		{name: "content points", body: `{"kind":"content","points":25,"description":"post"}`, wantStatus: http.StatusOK},
		{name: "unknown kind", body: `{"kind":"bribe","points":50}`, wantStatus: http.StatusBadRequest},
		{name: "out of range", body: `{"kind":"activity","points":500}`, err: service.ErrPointsOutOfRange, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown user", body: `{"kind":"activity","points":50}`, err: repository.ErrUserNotFound, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &stubUsers{
				addActivityPoints: func(_ context.Context, _, _ int64, _ string) error { return tt.err },
				addContentPoints:  func(_ context.Context, _, _ int64, _ string) error { return tt.err },
			}
			srv := newTestServer(users, nil, nil, nil)
			defer srv.Close()

			resp := doSigned(t, http.MethodPost, srv.URL+"/api/users/1/points", []byte(tt.body))
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestIssueVerificationHandler(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantDelivered bool
	}{
		{name: "delivered", err: nil, wantStatus: http.StatusOK, wantDelivered: true},
		{name: "delivery failed", err: verification.ErrDeliveryFailed, wantStatus: http.StatusOK, wantDelivered: false},
		{name: "invalid email", err: verification.ErrInvalidEmail, wantStatus: http.StatusBadRequest},
		{name: "rate limited", err: verification.ErrRateLimited, wantStatus: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &stubVerifier{
				issue: func(_ context.Context, _, _ string) (string, error) {
					if tt.err != nil && tt.err != verification.ErrDeliveryFailed {
						return "", tt.err
					}
					return "123456", tt.err
				},
			}
			srv := newTestServer(nil, verifier, nil, nil)
			defer srv.Close()

			body := []byte(`{"identifier":"user1","email":"user@example.com"}`)
			resp := doSigned(t, http.MethodPost, srv.URL+"/api/verification/issue", body)

			if resp.StatusCode != tt.wantStatus {
				resp.Body.Close()
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				resp.Body.Close()
				return
			}

			var got struct {
				Code      string `json:"code"`
				Delivered bool   `json:"delivered"`
			}
			decodeBody(t, resp, &got)
			if got.Code != "123456" || got.Delivered != tt.wantDelivered {
				t.Fatalf("response = %+v, want code 123456 delivered=%v", got, tt.wantDelivered)
			}
		})
	}
}

func TestValidateVerificationHandler(t *testing.T) {
	verifier := &stubVerifier{
		validate: func(_ context.Context, _, candidate string) (bool, error) {
			return candidate == "123456", nil
		},
	}
	srv := newTestServer(nil, verifier, nil, nil)
	defer srv.Close()

	resp := doSigned(t, http.MethodPost, srv.URL+"/api/verification/validate", []byte(`{"identifier":"user1","code":"123456"}`))
	var got struct {
		Valid bool `json:"valid"`
	}
	decodeBody(t, resp, &got)
	if resp.StatusCode != http.StatusOK || !got.Valid {
		t.Fatalf("status = %d, valid = %v, want 200 true", resp.StatusCode, got.Valid)
	}

	resp = doSigned(t, http.MethodPost, srv.URL+"/api/verification/validate", []byte(`{"identifier":"user1","code":"000000"}`))
	decodeBody(t, resp, &got)
	if got.Valid {
		t.Fatalf("wrong code must not validate")
	}
}

func TestValidateVerificationRateLimited(t *testing.T) {
	verifier := &stubVerifier{
		validate: func(_ context.Context, _, _ string) (bool, error) {
			return false, verification.ErrRateLimited
		},
	}
	srv := newTestServer(nil, verifier, nil, nil)
	defer srv.Close()

	resp := doSigned(t, http.MethodPost, srv.URL+"/api/verification/validate", []byte(`{"identifier":"user1","code":"123456"}`))
	resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
}

func TestTransferEligibilityHandler(t *testing.T) {
	transfers := &stubTransfers{
		eligible: func(_ context.Context, userID int64) (bool, string, error) {
			if userID == 1 {
				return true, "", nil
			}
			return false, "cooldown period active: 30 days remaining", nil
		},
	}
	srv := newTestServer(nil, nil, nil, transfers)
	defer srv.Close()

	resp := doSigned(t, http.MethodGet, srv.URL+"/api/transfers/eligibility?user_id=1", nil)
	var got struct {
		Eligible bool   `json:"eligible"`
		Reason   string `json:"reason"`
	}
	decodeBody(t, resp, &got)
	if !got.Eligible || got.Reason != "" {
		t.Fatalf("response = %+v, want eligible without reason", got)
	}

	resp = doSigned(t, http.MethodGet, srv.URL+"/api/transfers/eligibility?user_id=2", nil)
	decodeBody(t, resp, &got)
	if got.Eligible || got.Reason == "" {
		t.Fatalf("response = %+v, want ineligible with reason", got)
	}

	resp = doSigned(t, http.MethodGet, srv.URL+"/api/transfers/eligibility", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user_id status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestInitiateTransferHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "created", err: nil, wantStatus: http.StatusCreated},
		{name: "duplicate initiation", err: transfer.ErrAlreadyInitiated, wantStatus: http.StatusConflict},
		{name: "same user", err: transfer.ErrSameUser, wantStatus: http.StatusBadRequest},
		{name: "invalid amount", err: repository.ErrInvalidAmount, wantStatus: http.StatusBadRequest},
		{name: "unknown recipient", err: repository.ErrUserNotFound, wantStatus: http.StatusNotFound},
		{name: "insufficient balance", err: repository.ErrInsufficientBalance, wantStatus: http.StatusPaymentRequired},
		{name: "cooldown", err: transfer.ErrCooldown, wantStatus: http.StatusUnprocessableEntity},
		{name: "annual limit", err: transfer.ErrAnnualLimit, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfers := &stubTransfers{
				initiate: func(_ context.Context, _, _, _ int64) (string, string, error) {
					if tt.err != nil {
						return "", "", tt.err
					}
					return "transfer:1:2:1750000000", "123456", nil
				},
			}
			srv := newTestServer(nil, nil, nil, transfers)
			defer srv.Close()

			body := []byte(`{"from_user_id":1,"to_user_id":2,"amount":40}`)
			resp := doSigned(t, http.MethodPost, srv.URL+"/api/transfers/", body)

			if resp.StatusCode != tt.wantStatus {
				resp.Body.Close()
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusCreated {
				resp.Body.Close()
				return
			}

			var got struct {
				TransferID string `json:"transfer_id"`
				Code       string `json:"code"`
			}
			decodeBody(t, resp, &got)
			if got.TransferID == "" || got.Code == "" {
				t.Fatalf("response = %+v, want transfer id and code", got)
			}
		})
	}
}

func TestConfirmTransferHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "confirmed", err: nil, wantStatus: http.StatusOK},
		{name: "unknown transfer", err: transfer.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "already completed", err: transfer.ErrNotPending, wantStatus: http.StatusConflict},
		{name: "wrong code", err: transfer.ErrCodeMismatch, wantStatus: http.StatusUnauthorized},
		{name: "insufficient balance", err: repository.ErrInsufficientBalance, wantStatus: http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfers := &stubTransfers{
				confirm: func(_ context.Context, _, _ string) error { return tt.err },
			}
			srv := newTestServer(nil, nil, nil, transfers)
			defer srv.Close()

			body := []byte(`{"transfer_id":"transfer:1:2:1750000000","code":"123456"}`)
			resp := doSigned(t, http.MethodPost, srv.URL+"/api/transfers/confirm", body)
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestCancelTransferHandler(t *testing.T) {
	transfers := &stubTransfers{
		cancel: func(_ context.Context, transferID string) error {
			if transferID != "transfer:1:2:1750000000" {
				return transfer.ErrNotFound
			}
			return nil
		},
	}
	srv := newTestServer(nil, nil, nil, transfers)
	defer srv.Close()

	resp := doSigned(t, http.MethodPost, srv.URL+"/api/transfers/cancel", []byte(`{"transfer_id":"transfer:1:2:1750000000"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp = doSigned(t, http.MethodPost, srv.URL+"/api/transfers/cancel", []byte(`{"transfer_id":"transfer:9:9:1"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown transfer status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestUnsignedRequestRejected(t *testing.T) {
	srv := newTestServer(nil, nil, nil, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/users", "application/json", bytes.NewReader([]byte(`{"telegram_id":"42"}`)))
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}
