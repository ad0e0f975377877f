package realtime

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"
)

// Messenger is the part of the FCM client the publisher needs.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMPublisher pushes patient channel events to the patient's FCM topic so offline
// devices learn about assignment changes.
type FCMPublisher struct {
	client Messenger
}

func NewFCMPublisher(client Messenger) *FCMPublisher {
	return &FCMPublisher{client: client}
}

func (p *FCMPublisher) Publish(ctx context.Context, channel, name string, payload any) error {
	topic, ok := TopicFor(channel)
	if !ok {
		return nil
	}

	evt, err := NewEvent(channel, name, payload)
	if err != nil {
		return err
	}

	message := &messaging.Message{
		Topic: topic,
		Data: map[string]string{
			"event":   name,
			"channel": channel,
			"payload": string(evt.Payload),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := p.client.Send(ctx, message); err != nil {
		return fmt.Errorf("fcm send %s to %s: %w", name, topic, err)
	}
	return nil
}

// TopicFor maps "patient:<id>" to the FCM topic "patient_<id>". Other channels have
// no topic.
func TopicFor(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "patient:")
	if !ok || id == "" {
		return "", false
	}
	return "patient_" + id, true
}
