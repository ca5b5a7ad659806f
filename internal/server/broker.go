package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keisan/internal/model"
	"github.com/ashita-ai/keisan/internal/storage"
)

// NotificationSource is the LISTEN side of the recompute channel.
// *storage.DB implements it when a notify connection is configured.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out recompute events to SSE subscribers of one company.
//
// With a NotificationSource it relays Postgres notifications, so events from
// every instance reach every subscriber. Without one it only carries events
// published in-process through NotifyCalculated.
type Broker struct {
	source NotificationSource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a broker. source may be nil. Call Start to begin relaying.
func NewBroker(source NotificationSource, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start relays notifications until ctx is cancelled. It blocks.
func (b *Broker) Start(ctx context.Context) {
	if b.source == nil {
		<-ctx.Done()
		return
	}

	if err := b.source.Listen(ctx, storage.ChannelMetricValues); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelMetricValues, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelMetricValues)

	for {
		channel, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.dispatch(channel, payload)
	}
}

// NotifyCalculated publishes event to local subscribers directly. It lets the
// broker stand in as the service notifier when no Postgres notify connection
// exists.
func (b *Broker) NotifyCalculated(_ context.Context, event model.CalculationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	b.broadcast(event.CompanyID, formatSSE(storage.ChannelMetricValues, string(payload)))
	return nil
}

// Subscribe returns a channel of SSE-formatted events for companyID.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(companyID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = companyID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Len returns the number of active subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// dispatch routes a raw notification to the subscribers of its company.
// Payloads without a readable company id are dropped.
func (b *Broker) dispatch(channel, payload string) {
	var event struct {
		CompanyID uuid.UUID `json:"company_id"`
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil || event.CompanyID == uuid.Nil {
		b.logger.Warn("broker: dropping notification without company", "channel", channel)
		return
	}
	b.broadcast(event.CompanyID, formatSSE(channel, payload))
}

// broadcast sends event to every subscriber of companyID. A subscriber with a
// full buffer misses the event rather than stalling the others.
func (b *Broker) broadcast(companyID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, company := range b.subscribers {
		if company != companyID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
