package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// LogTransport logs messages instead of delivering them. Used when no SMTP
// relay is configured, so the dispatch pipeline can run end to end in
// development.
type LogTransport struct {
	from   string
	logger *slog.Logger
}

// NewLogTransport creates a log-only transport
func NewLogTransport(from string) *LogTransport {
	return &LogTransport{
		from:   from,
		logger: slog.Default().With("component", "transport", "type", "log"),
	}
}

// Name identifies the transport for logs
func (l *LogTransport) Name() string {
	return "log"
}

// Send logs the message and reports success
func (l *LogTransport) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}

	l.logger.Info("would send email",
		"to", msg.To,
		"subject", msg.Subject,
		"bytes", len(msg.Body))
	return nil
}

// Mock records sends and injects failures, for tests
type Mock struct {
	mu       sync.Mutex
	sent     []Message
	failFor  map[string]error
	sendHook func(Message)
}

// NewMock creates a mock transport
func NewMock() *Mock {
	return &Mock{
		failFor: make(map[string]error),
	}
}

// Name identifies the transport for logs
func (m *Mock) Name() string {
	return "mock"
}

// FailFor makes sends to the given recipient fail with the given error
func (m *Mock) FailFor(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("delivery failed")
	}
	m.failFor[recipient] = err
}

// OnSend registers a hook invoked for every successful send
func (m *Mock) OnSend(hook func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendHook = hook
}

// Send records the message, or fails if the recipient is marked to fail
func (m *Mock) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}

	m.mu.Lock()
	if err, ok := m.failFor[msg.To]; ok {
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, msg)
	hook := m.sendHook
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Sent returns a copy of all successfully sent messages
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns how many messages were sent to the given recipient
func (m *Mock) SentTo(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent {
		if msg.To == recipient {
			n++
		}
	}
	return n
}
