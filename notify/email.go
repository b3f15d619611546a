// Package notify provides the delivery channels a watch.Notifier fans
// change alerts out to.
package notify

import (
	"context"
	"errors"

	"gopkg.in/gomail.v2"

	"github.com/amartya2002/pagewatch/watch"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Email sends alerts over SMTP. The diff report, when present, is
// attached.
type Email struct {
	cfg  EmailConfig
	send func(*gomail.Message) error
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" || len(cfg.To) == 0 {
		return nil, errors.New("email: host and at least one recipient are required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &Email{cfg: cfg, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, msg watch.Message) error {
	m := e.message(msg)

	// gomail has no context support; give up waiting when ctx expires and
	// let the dial finish in the background.
	done := make(chan error, 1)
	go func() { done <- e.send(m) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(msg watch.Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", e.cfg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	if msg.Attachment != "" {
		m.Attach(msg.Attachment)
	}
	return m
}
