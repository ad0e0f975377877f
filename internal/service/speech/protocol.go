package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制协议。
//
//	byte 0: protocol version (4 bits) | header size in 4-byte units (4 bits)
//	byte 1: message type (4 bits) | flags (4 bits)
//	byte 2: serialization (4 bits) | compression (4 bits)
//	byte 3: reserved
//
// 之后依次是可选的 sequence、可选的 event 元数据、(错误码)、payload size 与 payload。
const protocolVersion = 0b0001

// MessageType 消息类型
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags 消息标志位
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
	WithEvent              MessageFlags = 0b0100

	sequenceMask MessageFlags = 0b0011
)

// EventType 服务端事件
type EventType int32

const (
	EventStartConnection    EventType = 1
	EventFinishConnection   EventType = 2
	EventConnectionStarted  EventType = 50
	EventConnectionFailed   EventType = 51
	EventConnectionFinished EventType = 52
	EventSessionStarted     EventType = 150
	EventSessionFinished    EventType = 152
	EventSessionFailed      EventType = 153
)

// Serialization 序列化方式
type Serialization uint8

const (
	RawSerialization  Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression 压缩方式
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Frame 一帧协议消息
type Frame struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	Event         EventType
	SessionID     string
	ConnectID     string
	ErrorCode     uint32
	Payload       []byte
}

// IsLast 是否为最后一包
func (f *Frame) IsLast() bool {
	switch f.Flags & sequenceMask {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

func (f *Frame) hasSequence() bool {
	switch f.Flags & sequenceMask {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

func (f *Frame) hasEvent() bool { return f.Flags&WithEvent == WithEvent }

// Body 返回解压后的 payload
func (f *Frame) Body() ([]byte, error) {
	return decompress(f.Payload, f.Compression)
}

// Marshal 编码帧
func (f *Frame) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 16+len(f.Payload)))
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.Type)<<4 | uint8(f.Flags))
	buf.WriteByte(uint8(f.Serialization)<<4 | uint8(f.Compression))
	buf.WriteByte(0)

	if f.hasSequence() {
		writeUint32(buf, uint32(f.Sequence))
	}
	if f.hasEvent() {
		writeUint32(buf, uint32(f.Event))
		if !eventSkipsSessionID(f.Event) {
			writeSized(buf, []byte(f.SessionID))
		}
		if eventHasConnectID(f.Event) {
			writeSized(buf, []byte(f.ConnectID))
		}
	}
	if f.Type == ErrorMessage {
		writeUint32(buf, f.ErrorCode)
	}
	writeSized(buf, f.Payload)
	return buf.Bytes()
}

// UnmarshalFrame 解码帧
func UnmarshalFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if version := header[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	f := &Frame{
		Type:          MessageType(header[1] >> 4),
		Flags:         MessageFlags(header[1] & 0x0F),
		Serialization: Serialization(header[2] >> 4),
		Compression:   Compression(header[2] & 0x0F),
	}

	// header size 以 4 字节为单位，跳过扩展头
	if extra := int(header[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	var err error
	if f.hasSequence() {
		var seq uint32
		if seq, err = readUint32(r); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		f.Sequence = int32(seq)
	}

	if f.hasEvent() {
		event, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		f.Event = EventType(int32(event))

		if !eventSkipsSessionID(f.Event) {
			session, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			f.SessionID = string(session)
		}
		if eventHasConnectID(f.Event) {
			connect, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			f.ConnectID = string(connect)
		}
	}

	if f.Type == ErrorMessage {
		if f.ErrorCode, err = readUint32(r); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	if f.Payload, err = readSized(r); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

// newClientRequest 创建携带 JSON 参数的完整客户端请求
func newClientRequest(payload []byte, compression Compression) (*Frame, error) {
	body, err := compress(payload, compression)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:          FullClientRequest,
		Flags:         NoSequenceNumber,
		Serialization: JSONSerialization,
		Compression:   compression,
		Payload:       body,
	}, nil
}

// newAudioRequest 创建音频包；最后一包使用负序号
func newAudioRequest(chunk []byte, sequence int32, last bool, compression Compression) (*Frame, error) {
	body, err := compress(chunk, compression)
	if err != nil {
		return nil, err
	}

	flags := PositiveSequenceNumber
	switch {
	case last && sequence != 0:
		flags, sequence = NegativeSequenceNumber, -sequence
	case last:
		flags = LastPacketNoSequence
	case sequence <= 0:
		flags = NoSequenceNumber
	}

	return &Frame{
		Type:          AudioOnlyRequest,
		Flags:         flags,
		Serialization: RawSerialization,
		Compression:   compression,
		Sequence:      sequence,
		Payload:       body,
	}, nil
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeSized(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readSized(r *bytes.Reader) ([]byte, error) {
	size, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("declared size %d exceeds remaining %d bytes", size, r.Len())
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func compress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}

func decompress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		if len(data) == 0 {
			return nil, nil
		}
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}
