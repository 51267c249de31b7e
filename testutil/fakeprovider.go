// Package testutil provides test doubles shared across this module's test
// suites, so property and integration tests do not each hand-roll their
// own provider stand-in.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/basui-labs/dialogos/provider"
)

// FakeAdapter is a scriptable, in-memory provider.Adapter. Replies and
// Errs are consumed by call index; once exhausted, Call falls back to
// echoing an auto-generated distinct reply so long-running property
// tests never stall for lack of a script entry.
type FakeAdapter struct {
	mu   sync.Mutex
	name string

	model   string
	Replies []string
	Errs    []error
	calls   int
}

// NewFakeAdapter returns a FakeAdapter identifying itself as name/model.
func NewFakeAdapter(name, model string) *FakeAdapter {
	return &FakeAdapter{name: name, model: model}
}

// Call returns the next scripted reply or error, in order. Replies and
// Errs share the same call-index sequence: an error at index i takes
// priority over a reply at index i.
func (f *FakeAdapter) Call(ctx context.Context, messages []provider.Message) (provider.Result, error) {
	select {
	case <-ctx.Done():
		return provider.Result{}, &provider.Error{Kind: provider.KindTimeout, Detail: "context done", Provider: f.name, Cause: ctx.Err()}
	default:
	}

	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.Errs) && f.Errs[i] != nil {
		return provider.Result{}, f.Errs[i]
	}
	if i < len(f.Replies) {
		return provider.Result{Text: f.Replies[i], InputTokens: 1, OutputTokens: 1}, nil
	}
	return provider.Result{Text: fmt.Sprintf("reply #%d from %s", i, f.name), InputTokens: 1, OutputTokens: 1}, nil
}

// Name returns the adapter's configured provider identifier.
func (f *FakeAdapter) Name() string { return f.name }

// Model returns the adapter's configured model identifier.
func (f *FakeAdapter) Model() string { return f.model }

// CallCount reports how many times Call has been invoked so far.
func (f *FakeAdapter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Configure implements provider.Configurable as a no-op recorder, so
// FakeAdapter can stand in wherever a Configurable is type-asserted.
func (f *FakeAdapter) Configure(temperature float64, maxTokens int) {}
