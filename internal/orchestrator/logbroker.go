package orchestrator

import (
	"sync"

	"github.com/seantiz/probe/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Entries are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans run log entries out to live subscribers. It is safe for
// concurrent use.
//
// Closed topics stay behind as markers so a subscriber arriving after a run
// finished gets a closed channel. Markers are dropped by Forget when the run
// is evicted from the registry.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogEntry
	nextID int
	closed bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel of log entries for runID and an unsubscribe
// function. If the run's stream was already closed the channel is closed.
func (b *LogBroker) Subscribe(runID string) (<-chan model.LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan model.LogEntry)}
		b.topics[runID] = t
	}

	ch := make(chan model.LogEntry, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends entry to every subscriber of runID without blocking.
func (b *LogBroker) Publish(runID string, entry model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Close ends the stream for runID. Current subscribers see their channel
// closed and later subscribers get a closed channel.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &logTopic{subs: make(map[int]chan model.LogEntry), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the closed marker for runID.
func (b *LogBroker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok && t.closed {
		delete(b.topics, runID)
	}
}

// Topics returns the number of tracked streams, closed markers included.
func (b *LogBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
