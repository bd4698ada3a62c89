package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
)

// SMTP delivers messages through an upstream SMTP relay
type SMTP struct {
	config Config
	addr   string
	auth   smtp.Auth
}

// NewSMTP creates an SMTP transport
func NewSMTP(config Config) *SMTP {
	port := config.Port
	if port == 0 {
		port = 587
	}
	if config.Timeout <= 0 {
		config.Timeout = 30
	}

	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &SMTP{
		config: config,
		addr:   fmt.Sprintf("%s:%d", config.Host, port),
		auth:   auth,
	}
}

// Name identifies the transport for logs
func (s *SMTP) Name() string {
	return "smtp"
}

// Send delivers one message through the relay. The context is checked before
// dialing; the dial and conversation themselves are bounded by the configured
// timeout.
func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := msg.From
	if from == "" {
		from = s.config.From
	}

	e := &email.Email{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    []byte(msg.Body),
	}

	deadline := time.Now().Add(time.Duration(s.config.Timeout) * time.Second)
	errCh := make(chan error, 1)
	go func() {
		if s.config.StartTLS {
			errCh <- e.SendWithStartTLS(s.addr, s.auth, &tls.Config{ServerName: s.config.Host})
			return
		}
		errCh <- e.Send(s.addr, s.auth)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp delivery to %s failed: %w", msg.To, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("smtp delivery to %s timed out after %ds", msg.To, s.config.Timeout)
	}
}
