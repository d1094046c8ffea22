// Package coordinate implements the master/agent coordination protocol,
// spec.md §4.4: PREPARATION, the sync_req/proceed measurement barrier, and
// FINISH's stats collection. SPEC_FULL.md §4.4 resolves spec.md §9's
// flagged host-endianness limitation by replacing the original's raw
// memory image exchange with an explicit little-endian encoding/binary
// wire schema, length-prefixed for variable-width fields.
package coordinate

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

// Control tokens are fixed-width ASCII frames, spec.md §6. Every token
// except the FAIL-RECV sentinel is padded to 8 bytes so framing needs no
// length prefix; FAIL-RECV is the one 9-byte exception, kept as the exact
// literal spec.md names.
const (
	tokenWidth = 8

	tokSyncReq = "sync_req"
	tokSync    = "sync"
	tokProceed = "proceed"
	tokAck     = "ack"
	tokThanks  = "THANKS"
	tokStats   = "stats"
	tokFailRecv = "FAIL-RECV"
)

func writeToken(w io.Writer, tok string) error {
	if tok == tokFailRecv {
		_, err := w.Write([]byte(tokFailRecv))
		return err
	}
	buf := make([]byte, tokenWidth)
	copy(buf, tok)
	for i := len(tok); i < tokenWidth; i++ {
		buf[i] = ' '
	}
	_, err := w.Write(buf)
	return err
}

func readToken(r io.Reader) (string, error) {
	buf := make([]byte, tokenWidth)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	// FAIL-RECV is one byte longer than every other token; its first 8
	// bytes ("FAIL-REC") are otherwise never a valid token, so peek ahead
	// for the trailing 'V' only in that case.
	if string(buf) == tokFailRecv[:tokenWidth] {
		var v [1]byte
		if _, err := io.ReadFull(r, v[:]); err == nil && v[0] == 'V' {
			return tokFailRecv, nil
		}
	}
	return trimRight(buf), nil
}

func trimRight(buf []byte) string {
	end := len(buf)
	for end > 0 && buf[end-1] == ' ' {
		end--
	}
	return string(buf[:end])
}

// binWriter accumulates a length-prefixed frame body before it is sent as
// one Write call, so a partial write never leaves the peer mid-frame.
type binWriter struct {
	buf []byte
}

func (w *binWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *binWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *binWriter) i32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}
func (w *binWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *binWriter) f64(v float64) { w.u64(math.Float64bits(v)) }
func (w *binWriter) str(v string) {
	w.i32(int32(len(v)))
	w.buf = append(w.buf, v...)
}
func (w *binWriter) strs(v []string) {
	w.i32(int32(len(v)))
	for _, s := range v {
		w.str(s)
	}
}

// flush writes a 4-byte little-endian length prefix followed by the
// accumulated body, the frame shape SPEC_FULL.md §6 calls for.
func (w *binWriter) flush(conn io.Writer) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(w.buf)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(w.buf)
	return err
}

type binReader struct {
	buf []byte
	pos int
}

func readFrame(conn io.Reader) (*binReader, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return &binReader{buf: buf}, nil
}

func (r *binReader) u8() uint8 {
	v := r.buf[r.pos]
	r.pos++
	return v
}
func (r *binReader) boolean() bool { return r.u8() != 0 }
func (r *binReader) i32() int32 {
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return int32(v)
}
func (r *binReader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v
}
func (r *binReader) f64() float64 { return math.Float64frombits(r.u64()) }
func (r *binReader) str() string {
	n := r.i32()
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}
func (r *binReader) strs() []string {
	n := r.i32()
	out := make([]string, n)
	for i := range out {
		out[i] = r.str()
	}
	return out
}

// setTimeout applies a PollTimeout-derived deadline to a coordinator
// socket; resolved per spec.md §9's open question: sends participate in
// the same timeout/failure machinery as recvs.
func setTimeout(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(d))
}

func wrapIOErr(op string, err error) error {
	return fmt.Errorf("coordinate: %s: %w", op, err)
}
