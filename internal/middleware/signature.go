// Package middleware содержит HTTP middleware сервиса coserbot.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mmeshcher/coserbot-system/internal/ratelimit"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
	nonceHeader     = "X-Nonce"

	// Допустимое расхождение метки времени запроса с часами сервера.
	signatureMaxSkew = 300 * time.Second

	ipLimit  = 10
	ipWindow = time.Hour
)

// SignatureMiddleware проверяет HMAC-подпись запроса и ограничивает частоту
// обращений с одного IP. Подпись — HMAC-SHA256 от timestamp + nonce + тела
// запроса; метка времени действительна в пределах пяти минут. Проверка
// не хранит состояния и лишь закрывает доступ к движку снаружи.
type SignatureMiddleware struct {
	key     []byte
	limiter *ratelimit.Limiter
}

// NewSignatureMiddleware создаёт middleware с указанным ключом подписи.
func NewSignatureMiddleware(key string, limiter *ratelimit.Limiter) *SignatureMiddleware {
	return &SignatureMiddleware{
		key:     []byte(key),
		limiter: limiter,
	}
}

// Sign вычисляет подпись для указанных метки времени, nonce и тела запроса.
// Используется клиентами и тестами.
func (m *SignatureMiddleware) Sign(timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware проверяет заголовки подписи и частоту запросов с IP клиента.
func (m *SignatureMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get(signatureHeader)
		timestamp := r.Header.Get(timestampHeader)
		nonce := r.Header.Get(nonceHeader)

		if signature == "" || timestamp == "" || nonce == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > signatureMaxSkew {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		expected := m.Sign(timestamp, nonce, body)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if !m.limiter.Allow(r.Context(), "ip_limit", clientIP(r), ipLimit, ipWindow) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
