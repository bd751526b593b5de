package delivery

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/clawdis/gateway/pkg/ports"
)

// Loopback is the local delivery fallback used when no provider is
// configured: messages are retained in memory for inspection.
type Loopback struct {
	mu       sync.Mutex
	messages []ports.SendRequest
}

// NewLoopback creates an empty Loopback sender.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Send records the message and synthesizes a delivery result.
func (l *Loopback) Send(_ context.Context, req ports.SendRequest) (ports.SendResult, error) {
	l.mu.Lock()
	l.messages = append(l.messages, req)
	l.mu.Unlock()

	return ports.SendResult{
		MessageID: uuid.New().String(),
		ToJID:     "local:" + req.To,
	}, nil
}

// Messages returns a copy of everything sent so far.
func (l *Loopback) Messages() []ports.SendRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ports.SendRequest, len(l.messages))
	copy(out, l.messages)
	return out
}
