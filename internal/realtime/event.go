// Package realtime fans conversation and assignment events out to connected clients.
// Within one channel events are delivered in publish order; nothing is guaranteed
// across channels.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event 推送给订阅方的事件
type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Publisher publishes an event on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel, name string, payload any) error
}

// NewEvent marshals payload into an event envelope.
func NewEvent(channel, name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Channel: channel, Name: name, Payload: data, At: time.Now().UTC()}, nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel, name string, payload any) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, channel, name, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
