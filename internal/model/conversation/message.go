package conversation

import "time"

// Sender identifies which participant authored a message.
type Sender string

const (
	SenderPatient Sender = "patient"
	SenderDoctor  Sender = "doctor"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderPatient || s == SenderDoctor
}

// Kind 消息类型
type Kind string

const (
	KindText         Kind = "text"
	KindAudio        Kind = "audio"
	KindDiagnosis    Kind = "diagnosis"
	KindPrescription Kind = "prescription"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindAudio, KindDiagnosis, KindPrescription:
		return true
	default:
		return false
	}
}

// Message is one immutable entry of a conversation log. ID, Seq and Timestamp are
// assigned by the server at append time.
type Message struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	Sender          Sender    `json:"sender"`
	SenderID        string    `json:"senderId"`
	Kind            Kind      `json:"kind"`
	PrimaryText     string    `json:"primaryText"`
	TranslatedText  string    `json:"translatedText,omitempty"`
	Language        string    `json:"language,omitempty"`
	AudioURL        string    `json:"audioUrl,omitempty"`
	ImageURL        string    `json:"imageUrl,omitempty"`
	Condition       string    `json:"condition,omitempty"`
	Medication      string    `json:"medication,omitempty"`
	Verification    string    `json:"verification,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Log is the persisted, append-only message sequence of one conversation.
type Log struct {
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	Messages  []Message `json:"messages"`
}

// Last returns the most recent message, if any.
func (l *Log) Last() (Message, bool) {
	if len(l.Messages) == 0 {
		return Message{}, false
	}
	return l.Messages[len(l.Messages)-1], true
}

// FindClientMessage returns the message previously appended with the same client id.
func (l *Log) FindClientMessage(senderID, clientMessageID string) (Message, bool) {
	if clientMessageID == "" {
		return Message{}, false
	}
	for _, msg := range l.Messages {
		if msg.ClientMessageID == clientMessageID && msg.SenderID == senderID {
			return msg, true
		}
	}
	return Message{}, false
}
