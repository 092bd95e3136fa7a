package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// Publisher delivers content to one external platform. A nil error means
// the platform accepted the post. Errors are classified with IsRetryable.
type Publisher interface {
	Publish(ctx context.Context, ch domain.Channel, content string, metadata map[string]string) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ch domain.Channel, content string, metadata map[string]string) error

func (f PublisherFunc) Publish(ctx context.Context, ch domain.Channel, content string, metadata map[string]string) error {
	return f(ctx, ch, content, metadata)
}

// Error is a classified publish failure.
type Error struct {
	Code      int
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code > 0 {
		return fmt.Sprintf("publish error %d: %s", e.Code, msg)
	}
	return "publish error: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) *Error {
	return &Error{Err: err, Retryable: true}
}

// Fatal marks err as permanent; the item is dead-lettered immediately.
func Fatal(err error) *Error {
	return &Error{Err: err, Retryable: false}
}

// IsRetryable classifies a publish error. Unclassified errors and context
// deadlines are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, domain.ErrNoPublisher) {
		return false
	}
	return true
}

// Registry maps channels to their publisher.
type Registry struct {
	mu   sync.RWMutex
	pubs map[domain.Channel]Publisher
}

func NewRegistry() *Registry {
	return &Registry{pubs: make(map[domain.Channel]Publisher)}
}

func (r *Registry) Register(ch domain.Channel, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubs[ch] = p
}

// Get returns the channel's publisher or domain.ErrNoPublisher.
func (r *Registry) Get(ch domain.Channel) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pubs[ch]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ch, domain.ErrNoPublisher)
	}
	return p, nil
}

func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.pubs))
	for ch := range r.pubs {
		out = append(out, ch)
	}
	return out
}
