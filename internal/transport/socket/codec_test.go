package socket

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}
}

func TestWriteFrameRejectsEmptyAndOversized(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(bufio.NewReader(buf)); err == nil {
		t.Fatal("expected error for oversized header")
	}
}

func TestProtocolRoundTrip(t *testing.T) {
	in := &ClientFrame{RequestId: "r1", AuthToken: "tok", PartyId: "p1", Text: "hello"}
	payload, err := MarshalMessage(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := UnmarshalClientFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if out.RequestId != "r1" || out.AuthToken != "tok" || out.PartyId != "p1" || out.Text != "hello" {
		t.Fatalf("round trip = %+v", out)
	}
}

func TestValidateClientFrame(t *testing.T) {
	if err := ValidateClientFrame(nil); err == nil {
		t.Fatal("nil frame must fail")
	}
	if err := ValidateClientFrame(&ClientFrame{Text: "x"}); err == nil {
		t.Fatal("missing party_id must fail")
	}
	if err := ValidateClientFrame(&ClientFrame{PartyId: "p"}); err == nil {
		t.Fatal("missing text must fail")
	}
	if err := ValidateClientFrame(&ClientFrame{PartyId: "p", Text: "x"}); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}
}
