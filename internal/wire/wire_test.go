package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestTextCodecSetRoundTrip(t *testing.T) {
	c := New(false)
	var out bytes.Buffer
	w := bufio.NewWriter(&out)

	n, err := c.EncodeSet(w, "foo", []byte("bar"), 0, 0)
	if err != nil {
		t.Fatalf("EncodeSet: %v", err)
	}
	if n != out.Len() {
		t.Fatalf("EncodeSet reported %d bytes, wrote %d", n, out.Len())
	}
	if out.String() != "set foo 0 0 3\r\nbar\r\n" {
		t.Fatalf("unexpected wire bytes: %q", out.String())
	}

	r := bufio.NewReader(bytes.NewBufferString("STORED\r\n"))
	if _, err := c.DecodeSetReply(r); err != nil {
		t.Fatalf("DecodeSetReply: %v", err)
	}
}

func TestTextCodecGetHitAndMiss(t *testing.T) {
	c := New(false)

	hitReply := bufio.NewReader(bytes.NewBufferString("VALUE foo 0 3\r\nbar\r\nEND\r\n"))
	hit, _, err := c.DecodeGetReply(hitReply, "foo")
	if err != nil {
		t.Fatalf("DecodeGetReply (hit): %v", err)
	}
	if !hit {
		t.Fatal("expected hit")
	}

	missReply := bufio.NewReader(bytes.NewBufferString("END\r\n"))
	hit, _, err = c.DecodeGetReply(missReply, "foo")
	if err != nil {
		t.Fatalf("DecodeGetReply (miss): %v", err)
	}
	if hit {
		t.Fatal("expected miss")
	}
}

func TestBinaryCodecSetRoundTrip(t *testing.T) {
	c := New(true)
	var out bytes.Buffer
	w := bufio.NewWriter(&out)

	if _, err := c.EncodeSet(w, "foo", []byte("bar"), 0, 0); err != nil {
		t.Fatalf("EncodeSet: %v", err)
	}
	if out.Len() != headerSize+8+3+3 {
		t.Fatalf("unexpected frame length %d", out.Len())
	}

	// A bare success header (status 0, no body) is a valid SET reply.
	reply := make([]byte, headerSize)
	reply[0] = responseMagic
	r := bufio.NewReader(bytes.NewReader(reply))
	if _, err := c.DecodeSetReply(r); err != nil {
		t.Fatalf("DecodeSetReply: %v", err)
	}
}

func TestBinaryCodecGetMiss(t *testing.T) {
	c := New(true)
	reply := make([]byte, headerSize)
	reply[0] = responseMagic
	reply[1] = opGet
	reply[6] = 0x00
	reply[7] = 0x01 // status = item not found

	r := bufio.NewReader(bytes.NewReader(reply))
	hit, _, err := c.DecodeGetReply(r, "foo")
	if err != nil {
		t.Fatalf("DecodeGetReply: %v", err)
	}
	if hit {
		t.Fatal("expected miss")
	}
}
