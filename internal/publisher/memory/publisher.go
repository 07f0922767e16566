// Package memory contains an in-memory result publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/rankgrid/internal/publisher"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Publisher stores published results for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.Message
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, batchID string, res rank.Result) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publisher.Message{BatchID: batchID, Result: res})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []publisher.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Message, len(p.messages))
	copy(out, p.messages)
	return out
}
