package transport

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNoRecipient = errors.New("message has no recipient")
)

// Message is one outbound email
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Transport delivers one message. Implementations are blocking I/O and must
// be safe for concurrent use by multiple dispatch workers.
type Transport interface {
	// Send delivers the message or returns the reason it could not
	Send(ctx context.Context, msg Message) error

	// Name identifies the transport for logs
	Name() string
}

// Config configures the SMTP transport. An empty Host selects the log
// transport, which is the dev-mode stand-in for a real upstream.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
	Timeout  int // seconds
}

// New builds a transport from configuration
func New(config Config) Transport {
	if config.Host == "" {
		return NewLogTransport(config.From)
	}
	return NewSMTP(config)
}
