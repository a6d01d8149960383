// Package pubsub carries system events between server instances over a
// shared Redis channel.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/shop_assistant/internal/logging"
)

const Channel = "system_events"

const (
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeFlagChanged = "flag_changed"
)

// Event ids let clients drop duplicates; delivery is at least once per
// subscriber while it is connected.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(typ, content string) Event {
	return Event{ID: uuid.NewString(), Type: typ, Content: content, Timestamp: time.Now().UTC()}
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Broadcaster delivers an event to every locally connected client.
type Broadcaster interface {
	Broadcast(ev Event)
}

type Fanout struct {
	bus   Bus
	local Broadcaster

	// OnFlagChanged runs for every flag_changed event, including ones this
	// instance published.
	OnFlagChanged func(ctx context.Context)
}

func New(bus Bus, local Broadcaster) *Fanout {
	return &Fanout{bus: bus, local: local}
}

// Publish sends ev to every instance, this one included. If the channel is
// unreachable the event is still delivered to local clients.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pubsub: encode event: %w", err)
	}
	if err := f.bus.Publish(ctx, Channel, payload); err != nil {
		logging.FromContext(ctx).With("svc", "pubsub").Warn("publish_failed",
			"type", ev.Type,
			"reason", "local_only",
			"error", err,
		)
		f.deliver(ctx, ev)
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

func (f *Fanout) deliver(ctx context.Context, ev Event) {
	if f.local != nil {
		f.local.Broadcast(ev)
	}
	if ev.Type == TypeFlagChanged && f.OnFlagChanged != nil {
		f.OnFlagChanged(ctx)
	}
}

// Run consumes the shared channel until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	l := logging.FromContext(ctx).With("svc", "pubsub")

	sub := f.bus.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("pubsub: subscribe %s: %w", Channel, err)
	}
	l.Info("subscribed", "channel", Channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				l.Warn("event_dropped", "reason", "decode", "error", err)
				continue
			}
			f.deliver(ctx, ev)
		}
	}
}
