// Package eventbus provides pub/sub delivery of run progress events to
// callers consuming a run's event stream.
package eventbus

import (
	"sync"

	"github.com/patchpilot/patchpilot/pkg/model"
)

// subscriberBuffer bounds how far a consumer may lag before it loses events.
const subscriberBuffer = 128

// Bus provides pub/sub for run events. Events are delivered to each
// subscriber in publish order; a subscriber that falls behind its buffer
// loses events rather than blocking the pipeline.
type Bus interface {
	// Subscribe returns a channel receiving the run's events. The channel
	// is closed when the run finishes or the caller unsubscribes.
	Subscribe(runID string) chan *model.Event
	// Unsubscribe detaches and closes a channel obtained from Subscribe.
	Unsubscribe(runID string, ch chan *model.Event)
	// Publish delivers an event to every current subscriber of the run.
	Publish(runID string, event *model.Event)
	// CloseRun marks the run finished and closes all its subscriber
	// channels. Later Subscribe calls for the run get an already-closed
	// channel.
	CloseRun(runID string)
}

// InMemoryBus is the default in-process Bus. Each run keeps a set of
// subscriber channels; a finished run keeps only its tombstone in done.
type InMemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan *model.Event]struct{}
	done map[string]bool
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string]map[chan *model.Event]struct{}),
		done: make(map[string]bool),
	}
}

// Subscribe creates a channel that receives events for a run.
func (b *InMemoryBus) Subscribe(runID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, subscriberBuffer)
	if b.done[runID] {
		// The run already finished; the caller sees history via the store
		// replay and only needs the closed channel to stop waiting.
		close(ch)
		return ch
	}
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[chan *model.Event]struct{})
		b.subs[runID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel from the run's subscribers and closes it.
// Channels already closed by CloseRun are left alone.
func (b *InMemoryBus) Unsubscribe(runID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[runID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

// Publish sends an event to all subscribers for a run. Never blocks: the
// pipeline is fire-and-forget relative to consumers.
func (b *InMemoryBus) Publish(runID string, event *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[runID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}

// CloseRun closes every subscriber channel for the run and marks it
// finished. Buffered events stay readable; consumers drain them and then
// see the close. Safe to call more than once.
func (b *InMemoryBus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done[runID] {
		return
	}
	b.done[runID] = true
	for ch := range b.subs[runID] {
		close(ch)
	}
	delete(b.subs, runID)
}
