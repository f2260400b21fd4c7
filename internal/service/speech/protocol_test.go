package speech

import (
	"bytes"
	"compress/gzip"
	"testing"
)

func TestFrameRoundTripWithEvent(t *testing.T) {
	in := &Frame{
		Header:    Header{MessageType: FullServerResponse, MessageFlags: WithEvent, SerializationMethod: JSONSerialization},
		EventType: EventTypeSessionFinished,
		SessionID: "session-1",
		Payload:   []byte(`{"code":0}`),
	}

	out, err := DecodeFrame(bytes.NewReader(EncodeFrame(in)))
	if err != nil {
		t.Fatalf("DecodeFrame error: %v", err)
	}
	if out.EventType != EventTypeSessionFinished || out.SessionID != "session-1" || string(out.Payload) != `{"code":0}` {
		t.Fatalf("unexpected frame: %+v", out)
	}
	if out.IsLastPacket() {
		t.Fatal("event frame should not be flagged as last packet")
	}
}

func TestFrameConnectionEventCarriesConnectID(t *testing.T) {
	in := &Frame{
		Header:    Header{MessageType: FullServerResponse, MessageFlags: WithEvent},
		EventType: EventTypeConnectionStarted,
		ConnectID: "c-1",
	}
	out, err := DecodeFrame(bytes.NewReader(EncodeFrame(in)))
	if err != nil {
		t.Fatalf("DecodeFrame error: %v", err)
	}
	if out.ConnectID != "c-1" || out.SessionID != "" {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestFrameNegativeSequenceIsLast(t *testing.T) {
	in := &Frame{Header: Header{MessageType: AudioOnlyServerResponse, MessageFlags: NegativeSequenceNumber}, Sequence: -3, Payload: []byte{1, 2}}
	out, err := DecodeFrame(bytes.NewReader(EncodeFrame(in)))
	if err != nil {
		t.Fatalf("DecodeFrame error: %v", err)
	}
	if out.Sequence != -3 || !out.IsLastPacket() {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	in := &Frame{Header: Header{MessageType: ErrorMessage}, ErrorCode: 42, Payload: []byte("bad")}
	out, err := DecodeFrame(bytes.NewReader(EncodeFrame(in)))
	if err != nil {
		t.Fatalf("DecodeFrame error: %v", err)
	}
	if out.ErrorCode != 42 || string(out.Payload) != "bad" {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestPlainPayloadGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("hello"))
	_ = zw.Close()

	f := &Frame{Header: Header{CompressionMethod: GzipCompression}, Payload: buf.Bytes()}
	plain, err := f.PlainPayload()
	if err != nil || string(plain) != "hello" {
		t.Fatalf("PlainPayload = %q, %v", plain, err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	if _, err := DecodeFrame(bytes.NewReader([]byte{0x21, 0x10, 0x10, 0x00, 0, 0, 0, 0})); err == nil {
		t.Fatal("expected version error")
	}
}
