package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎双向语音协议：4 字节头 + 可选序号 + 可选事件元数据 + payload。
const protocolVersion = 0b0001

// MessageType 消息类型
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags 消息特定标志
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
	WithEvent              MessageFlags = 0b0100
)

// EventType 服务端事件
type EventType int32

const (
	EventTypeNone               EventType = 0
	EventTypeStartConnection    EventType = 1
	EventTypeFinishConnection   EventType = 2
	EventTypeConnectionStarted  EventType = 50
	EventTypeConnectionFailed   EventType = 51
	EventTypeConnectionFinished EventType = 52
	EventTypeSessionStarted     EventType = 150
	EventTypeSessionFinished    EventType = 152
	EventTypeSessionFailed      EventType = 153
)

// SerializationMethod 序列化方法
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod 压缩方法
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

// Header is the fixed 4-byte frame header.
type Header struct {
	HeaderSize          uint8
	MessageType         MessageType
	MessageFlags        MessageFlags
	SerializationMethod SerializationMethod
	CompressionMethod   CompressionMethod
}

// Frame is one decoded protocol message.
type Frame struct {
	Header    Header
	Sequence  int32
	EventType EventType
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

func (h Header) encode() []byte {
	size := h.HeaderSize
	if size == 0 {
		size = 1
	}
	return []byte{
		protocolVersion<<4 | size,
		uint8(h.MessageType)<<4 | uint8(h.MessageFlags),
		uint8(h.SerializationMethod)<<4 | uint8(h.CompressionMethod),
		0,
	}
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, fmt.Errorf("header data too short: got %d, need 4", len(b))
	}
	if v := b[0] >> 4; v != protocolVersion {
		return Header{}, fmt.Errorf("unsupported protocol version: %d", v)
	}
	return Header{
		HeaderSize:          b[0] & 0x0F,
		MessageType:         MessageType(b[1] >> 4),
		MessageFlags:        MessageFlags(b[1] & 0x0F),
		SerializationMethod: SerializationMethod(b[2] >> 4),
		CompressionMethod:   CompressionMethod(b[2] & 0x0F),
	}, nil
}

func (f *Frame) hasSequence() bool {
	switch f.Header.MessageFlags & 0b0011 {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	}
	return false
}

// IsLastPacket 判断是否为最后一包
func (f *Frame) IsLastPacket() bool {
	switch f.Header.MessageFlags & 0b0011 {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	}
	return false
}

func (f *Frame) hasEvent() bool {
	return f.Header.MessageFlags&WithEvent == WithEvent
}

// EncodeFrame serializes f.
func EncodeFrame(f *Frame) []byte {
	var buf bytes.Buffer
	buf.Write(f.Header.encode())

	if f.hasSequence() {
		_ = binary.Write(&buf, binary.BigEndian, f.Sequence)
	}
	if f.hasEvent() {
		_ = binary.Write(&buf, binary.BigEndian, int32(f.EventType))
		if !eventSkipsSessionID(f.EventType) {
			writeSized(&buf, []byte(f.SessionID))
		}
		if eventHasConnectID(f.EventType) {
			writeSized(&buf, []byte(f.ConnectID))
		}
	}
	if f.Header.MessageType == ErrorMessage {
		_ = binary.Write(&buf, binary.BigEndian, f.ErrorCode)
	}
	writeSized(&buf, f.Payload)
	return buf.Bytes()
}

// DecodeFrame parses one frame from r.
func DecodeFrame(r io.Reader) (*Frame, error) {
	raw := make([]byte, 4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	f := &Frame{Header: header}

	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	if f.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
	}

	if f.hasEvent() {
		var event int32
		if err := binary.Read(r, binary.BigEndian, &event); err != nil {
			return nil, fmt.Errorf("failed to read event type: %w", err)
		}
		f.EventType = EventType(event)

		if !eventSkipsSessionID(f.EventType) {
			session, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read session id: %w", err)
			}
			f.SessionID = string(session)
		}
		if eventHasConnectID(f.EventType) {
			connect, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read connect id: %w", err)
			}
			f.ConnectID = string(connect)
		}
	}

	if header.MessageType == ErrorMessage {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	payload, err := readSized(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	f.Payload = payload
	return f, nil
}

// NewFullClientRequest 创建 JSON 请求帧
func NewFullClientRequest(payload []byte) *Frame {
	return &Frame{
		Header: Header{
			HeaderSize:          1,
			MessageType:         FullClientRequest,
			MessageFlags:        NoSequenceNumber,
			SerializationMethod: JSONSerialization,
			CompressionMethod:   NoCompression,
		},
		Payload: payload,
	}
}

// PlainPayload 按帧头声明的压缩方式解出 payload。
func (f *Frame) PlainPayload() ([]byte, error) {
	switch f.Header.CompressionMethod {
	case NoCompression:
		return f.Payload, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Header.CompressionMethod)
	}
}

func writeSized(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}

func readSized(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("expected %d bytes: %w", size, err)
	}
	return data, nil
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventTypeStartConnection, EventTypeFinishConnection,
		EventTypeConnectionStarted, EventTypeConnectionFailed,
		EventTypeConnectionFinished:
		return true
	}
	return false
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	}
	return false
}
