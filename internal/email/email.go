// Package email предоставляет доставку кодов подтверждения по SMTP.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"
)

// SMTPSender отправляет письма с кодом подтверждения через SMTP-сервер.
// Доставка best-effort: повторных попыток и очередей здесь нет.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
}

// NewSMTPSender создаёт отправитель с указанными реквизитами SMTP.
func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
	}
}

// SendCode отправляет письмо с кодом подтверждения на указанный адрес.
func (s *SMTPSender) SendCode(_ context.Context, to, code string) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	auth := smtp.PlainAuth("", s.username, s.password, s.host)

	msg := []byte("From: " + s.username + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: Verification code\r\n" +
		"\r\n" +
		"Your verification code is " + code + ". It expires in 10 minutes.\r\n")

	if err := smtp.SendMail(addr, auth, s.username, []string{to}, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogSender пишет код в журнал вместо отправки письма. Используется при
// запуске без настроенного SMTP.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender создаёт отправитель, пишущий коды в журнал.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// SendCode записывает код в журнал.
func (s *LogSender) SendCode(_ context.Context, to, code string) error {
	s.logger.Info("verification code issued",
		zap.String("email", to),
		zap.String("code", code),
	)
	return nil
}
