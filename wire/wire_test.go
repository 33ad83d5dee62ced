package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	in := &Command{
		Ref:    7,
		Token:  "tok-1",
		Schema: "inventory",
		Name:   "execute",
		Args:   []string{"select 1"},
	}
	payload, err := EncodeCommand(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Command == nil {
		t.Fatalf("expected command, got %+v", msg)
	}
	out := msg.Command
	if out.Ref != 7 || out.Token != "tok-1" || out.Schema != "inventory" || out.Name != "execute" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if len(out.Args) != 1 || out.Args[0] != "select 1" {
		t.Fatalf("args mismatch: %v", out.Args)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	in := &Reply{
		Ref: 42,
		Result: &Result{
			Handle:  "h-1",
			Columns: []string{"a", "b"},
			Rows:    [][]string{{"1", "x"}, {"2", "y"}},
			Done:    true,
			Token:   "tok",
			Steps:   []string{"credentials"},
		},
	}
	payload, err := EncodeReply(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Reply == nil {
		t.Fatalf("expected reply, got %+v", msg)
	}
	out := msg.Reply
	if out.Ref != 42 || out.Failed() {
		t.Fatalf("reply header mismatch: %+v", out)
	}
	res := out.Result
	if res.Handle != "h-1" || len(res.Columns) != 2 || len(res.Rows) != 2 || !res.Done {
		t.Fatalf("result mismatch: %+v", res)
	}
	if res.Rows[1][1] != "y" {
		t.Fatalf("row content mismatch: %v", res.Rows)
	}
	if res.Token != "tok" || len(res.Steps) != 1 {
		t.Fatalf("auth fields mismatch: %+v", res)
	}
}

func TestErrorReplyRoundTrip(t *testing.T) {
	payload, err := EncodeReply(&Reply{Ref: 9, Err: "table t already exists"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Reply == nil || !msg.Reply.Failed() {
		t.Fatalf("expected error reply, got %+v", msg)
	}
	if msg.Reply.Ref != 9 || msg.Reply.Err != "table t already exists" {
		t.Fatalf("error reply mismatch: %+v", msg.Reply)
	}
	if msg.Reply.Result != nil {
		t.Fatalf("error reply must not carry a result")
	}
}

func TestEventRoundTrip(t *testing.T) {
	payload, err := EncodeEvent(&Event{Table: "parts", Op: "write", Row: []string{"1", "bolt"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Event == nil {
		t.Fatalf("expected event, got %+v", msg)
	}
	if msg.Event.Table != "parts" || msg.Event.Op != "write" || len(msg.Event.Row) != 2 {
		t.Fatalf("event mismatch: %+v", msg.Event)
	}
}

func TestDecodeTruncatedIsRecoverable(t *testing.T) {
	payload, err := EncodeCommand(&Command{Ref: 7, Name: "execute", Args: []string{"select 1"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for cut := 0; cut < len(payload); cut++ {
		if _, err := DecodeMessage(payload[:cut]); err == nil {
			t.Fatalf("truncation at %d decoded without error", cut)
		}
	}
}

func TestDecodeBadVersion(t *testing.T) {
	payload, err := EncodeCommand(&Command{Ref: 1, Name: "execute"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	payload[0] = 0xFF
	if _, err := DecodeMessage(payload); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestDecodeBadKind(t *testing.T) {
	payload, err := EncodeCommand(&Command{Ref: 1, Name: "execute"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	payload[1] = 0x7F
	if _, err := DecodeMessage(payload); !errors.Is(err, ErrBadKind) {
		t.Fatalf("expected ErrBadKind, got %v", err)
	}
}

func TestDecodeCorruptLengthIsRecoverable(t *testing.T) {
	payload, err := EncodeCommand(&Command{Ref: 3, Token: "tok", Name: "fetch", Args: []string{"h"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// Inflate the token length prefix past the end of the payload.
	payload[10] = 0xFF
	payload[11] = 0xFF
	if _, err := DecodeMessage(payload); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("frame mismatch: %q", out)
	}
}

func TestFrameSizeEnforced(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFramePayload+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}

	buf.Reset()
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}

func TestFrameShortReadFails(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("abcdef")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	short := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(short)); err == nil {
		t.Fatalf("expected error on short frame")
	}
}
