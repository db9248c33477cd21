// Package memory contains in-memory delivery channels for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []any
}

// NewPublisher returns a memory Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]any, len(p.messages))
	copy(out, p.messages)
	return out
}

// Document is one SendFile call.
type Document struct {
	Path    string
	Caption string
}

// Notifier records texts and documents. FailFirst makes the first n calls
// fail, to exercise retry paths.
type Notifier struct {
	mu        sync.Mutex
	texts     []string
	documents []Document
	FailFirst int
	calls     int
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) fail() error {
	n.calls++
	if n.calls <= n.FailFirst {
		return fmt.Errorf("memory notifier: injected failure %d", n.calls)
	}
	return nil
}

// SendText records text.
func (n *Notifier) SendText(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail(); err != nil {
		return err
	}
	n.texts = append(n.texts, text)
	return nil
}

// SendFile records the document.
func (n *Notifier) SendFile(_ context.Context, path, caption string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail(); err != nil {
		return err
	}
	n.documents = append(n.documents, Document{Path: path, Caption: caption})
	return nil
}

// Texts returns the recorded messages.
func (n *Notifier) Texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

// Documents returns the recorded documents.
func (n *Notifier) Documents() []Document {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Document(nil), n.documents...)
}

// Calls is the number of send attempts, failed ones included.
func (n *Notifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}
