// ABOUTME: In-memory fan-out of session state snapshots to observers
// ABOUTME: Slow subscribers miss snapshots instead of blocking the session

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster delivers State snapshots to every subscriber. Publish never
// blocks: a snapshot is dropped for a subscriber whose channel is full.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan State // subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan State),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. It returns the snapshot channel and a
// subscription ID for Unsubscribe. The subscription is removed when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan State, string) {
	subID := uuid.New().String()
	ch := make(chan State, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a snapshot to all subscribers.
func (b *Broadcaster) Publish(state State) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- state:
		default:
			b.logger.Debug("dropped snapshot for slow subscriber", "sub_id", id)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
