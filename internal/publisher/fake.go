package publisher

import (
	"context"
	"sync"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// Call records one Publish invocation on a Fake.
type Call struct {
	Channel  domain.Channel
	Content  string
	Metadata map[string]string
}

// Fake is a hand-written Publisher for tests and dry runs. It returns the
// queued results in order, then DefaultErr (nil by default) forever.
type Fake struct {
	mu         sync.Mutex
	results    []error
	calls      []Call
	DefaultErr error
	// Block, if set, is waited on before returning so tests can hold a
	// publish in flight.
	Block chan struct{}
}

func NewFake(results ...error) *Fake {
	return &Fake{results: results}
}

func (f *Fake) Publish(ctx context.Context, ch domain.Channel, content string, metadata map[string]string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Channel: ch, Content: content, Metadata: metadata})
	err := f.DefaultErr
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Push queues more results.
func (f *Fake) Push(results ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

var _ Publisher = (*Fake)(nil)
