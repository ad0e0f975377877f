package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultBuffer = 64

// Hub is the in-process subscriber registry. A subscriber whose queue is full is
// dropped rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
}

// Subscription 单个订阅
type Subscription struct {
	channel string
	events  chan Event
	hub     *Hub
	dropped atomic.Bool
}

// NewHub creates a hub; buffer is the per-subscriber queue length.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.Named("hub"),
	}
}

// Subscribe registers a subscriber on channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{channel: channel, events: make(chan Event, h.buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	return sub
}

// Deliver hands evt to every local subscriber of its channel.
func (h *Hub) Deliver(evt Event) {
	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.subs[evt.Channel] {
		select {
		case sub.events <- evt:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		sub.dropped.Store(true)
		if h.remove(sub) {
			h.logger.Warn("dropping slow subscriber", zap.String("channel", sub.channel), zap.String("event", evt.Name))
		}
	}
}

// Publish delivers locally; used when no broker is configured.
func (h *Hub) Publish(_ context.Context, channel, name string, payload any) error {
	evt, err := NewEvent(channel, name, payload)
	if err != nil {
		return err
	}
	h.Deliver(evt)
	return nil
}

// Subscribers 当前频道的订阅数
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.channel]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.channel)
	}
	close(sub.events)
	return true
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped reports whether the hub ended the subscription because it fell behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close 取消订阅，可重复调用
func (s *Subscription) Close() { s.hub.remove(s) }
