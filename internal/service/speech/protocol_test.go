package speech

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	original := &Frame{
		Type:          FullServerResponse,
		Flags:         NegativeSequenceNumber,
		Serialization: JSONSerialization,
		Compression:   NoCompression,
		Sequence:      -7,
		Payload:       []byte(`{"result":{"text":"hi"}}`),
	}

	decoded, err := UnmarshalFrame(original.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFrame returned error: %v", err)
	}
	if decoded.Type != original.Type || decoded.Sequence != -7 || !decoded.IsLast() {
		t.Fatalf("unexpected frame: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Fatalf("payload mismatch: %q", decoded.Payload)
	}
}

func TestFrameWithEventMetadata(t *testing.T) {
	started := &Frame{
		Type:      FullServerResponse,
		Flags:     WithEvent,
		Event:     EventConnectionStarted,
		ConnectID: "conn-1",
		Payload:   []byte("{}"),
	}
	decoded, err := UnmarshalFrame(started.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFrame returned error: %v", err)
	}
	if decoded.Event != EventConnectionStarted || decoded.ConnectID != "conn-1" || decoded.SessionID != "" {
		t.Fatalf("unexpected event frame: %+v", decoded)
	}

	finished := &Frame{Type: FullServerResponse, Flags: WithEvent, Event: EventSessionFinished, SessionID: "sess-9"}
	decoded, err = UnmarshalFrame(finished.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFrame returned error: %v", err)
	}
	if decoded.SessionID != "sess-9" || len(decoded.Payload) != 0 {
		t.Fatalf("unexpected session frame: %+v", decoded)
	}
}

func TestErrorFrame(t *testing.T) {
	frame := &Frame{Type: ErrorMessage, ErrorCode: 45000001, Payload: []byte("bad request")}
	decoded, err := UnmarshalFrame(frame.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFrame returned error: %v", err)
	}
	if decoded.ErrorCode != 45000001 || string(decoded.Payload) != "bad request" {
		t.Fatalf("unexpected error frame: %+v", decoded)
	}
}

func TestUnmarshalFrameRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalFrame([]byte{0x11}); err == nil {
		t.Fatal("expected error for short header")
	}
	if _, err := UnmarshalFrame([]byte{0x21, 0x90, 0x10, 0x00, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for unsupported version")
	}
	if _, err := UnmarshalFrame([]byte{0x11, 0x90, 0x10, 0x00, 0, 0, 0, 9, 'x'}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestAudioRequestFlags(t *testing.T) {
	middle, err := newAudioRequest([]byte("pcm"), 3, false, NoCompression)
	if err != nil {
		t.Fatal(err)
	}
	if middle.Flags != PositiveSequenceNumber || middle.Sequence != 3 || middle.IsLast() {
		t.Fatalf("unexpected middle frame: %+v", middle)
	}

	last, err := newAudioRequest([]byte("pcm"), 4, true, NoCompression)
	if err != nil {
		t.Fatal(err)
	}
	if last.Flags != NegativeSequenceNumber || last.Sequence != -4 || !last.IsLast() {
		t.Fatalf("unexpected last frame: %+v", last)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("consultation audio "), 64)
	compressed, err := compress(data, GzipCompression)
	if err != nil {
		t.Fatalf("compress returned error: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive data")
	}
	restored, err := decompress(compressed, GzipCompression)
	if err != nil {
		t.Fatalf("decompress returned error: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Fatal("round trip mismatch")
	}
}
