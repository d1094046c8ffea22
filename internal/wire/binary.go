package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary protocol opcodes and header layout, adapted from the teacher's
// pkg/client/protocol.go (itself adapted from zeayes/gomemcache), trimmed
// to the opcodes this load generator's Connection state machine actually
// issues: GET, GETQ (for quiet multi-get batching), SET, and NOOP (the
// multi-get batch terminator).
const (
	opGet  = 0x00
	opSet  = 0x01
	opGetQ = 0x09
	opNoop = 0x0a

	requestMagic  = 0x80
	responseMagic = 0x81
)

var errorMap = map[uint16]error{
	0x001: fmt.Errorf("item not found"),
	0x005: fmt.Errorf("item not stored"),
	0x081: fmt.Errorf("unknown command"),
	0x082: fmt.Errorf("out of memory"),
}

type binHeader struct {
	magic, opcode          uint8
	keyLength              uint16
	extrasLength, dataType uint8
	status                 uint16
	bodyLength             uint32
	opaque                 uint32
	cas                    uint64
}

const headerSize = 24

func (h *binHeader) write(buf []byte) {
	buf[0] = h.magic
	buf[1] = h.opcode
	binary.BigEndian.PutUint16(buf[2:4], h.keyLength)
	buf[4] = h.extrasLength
	buf[5] = h.dataType
	binary.BigEndian.PutUint16(buf[6:8], h.status)
	binary.BigEndian.PutUint32(buf[8:12], h.bodyLength)
	binary.BigEndian.PutUint32(buf[12:16], h.opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.cas)
}

func (h *binHeader) read(buf []byte) {
	h.magic = buf[0]
	h.opcode = buf[1]
	h.keyLength = binary.BigEndian.Uint16(buf[2:4])
	h.extrasLength = buf[4]
	h.dataType = buf[5]
	h.status = binary.BigEndian.Uint16(buf[6:8])
	h.bodyLength = binary.BigEndian.Uint32(buf[8:12])
	h.opaque = binary.BigEndian.Uint32(buf[12:16])
	h.cas = binary.BigEndian.Uint64(buf[16:24])
}

// BinaryCodec implements the memcached binary protocol subset described
// above.
type BinaryCodec struct{ opaque uint32 }

func (c *BinaryCodec) nextOpaque() uint32 {
	c.opaque++
	return c.opaque
}

func (c *BinaryCodec) EncodeGet(w *bufio.Writer, key string) (int, error) {
	hdr := binHeader{
		magic:      requestMagic,
		opcode:     opGet,
		keyLength:  uint16(len(key)),
		bodyLength: uint32(len(key)),
		opaque:     c.nextOpaque(),
	}
	return writePacket(w, &hdr, nil, key, nil)
}

func (c *BinaryCodec) EncodeSet(w *bufio.Writer, key string, value []byte, flags, exptime uint32) (int, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[:4], flags)
	binary.BigEndian.PutUint32(extras[4:], exptime)
	hdr := binHeader{
		magic:        requestMagic,
		opcode:       opSet,
		keyLength:    uint16(len(key)),
		extrasLength: uint8(len(extras)),
		bodyLength:   uint32(len(extras) + len(key) + len(value)),
		opaque:       c.nextOpaque(),
	}
	return writePacket(w, &hdr, extras, key, value)
}

func (c *BinaryCodec) EncodeGetqBatch(w *bufio.Writer, keys []string) (int, error) {
	total := 0
	for _, key := range keys {
		hdr := binHeader{
			magic:      requestMagic,
			opcode:     opGetQ,
			keyLength:  uint16(len(key)),
			bodyLength: uint32(len(key)),
			opaque:     c.nextOpaque(),
		}
		n, err := writePacket(w, &hdr, nil, key, nil)
		total += n
		if err != nil {
			return total, err
		}
	}
	noop := binHeader{magic: requestMagic, opcode: opNoop, opaque: c.nextOpaque()}
	n, err := writePacket(w, &noop, nil, "", nil)
	return total + n, err
}

func writePacket(w *bufio.Writer, hdr *binHeader, extras []byte, key string, value []byte) (int, error) {
	buf := make([]byte, headerSize, headerSize+len(extras)+len(key)+len(value))
	hdr.write(buf)
	buf = append(buf, extras...)
	buf = append(buf, key...)
	buf = append(buf, value...)
	n, err := w.Write(buf)
	if err != nil {
		return n, err
	}
	return n, w.Flush()
}

func readPacket(r *bufio.Reader) (hdr binHeader, body []byte, n int, err error) {
	hbuf := make([]byte, headerSize)
	rn, err := io.ReadFull(r, hbuf)
	n += rn
	if err != nil {
		return hdr, nil, n, err
	}
	hdr.read(hbuf)
	body = make([]byte, hdr.bodyLength)
	bn, err := io.ReadFull(r, body)
	n += bn
	if err != nil {
		return hdr, nil, n, err
	}
	if hdr.status != 0 {
		if e, ok := errorMap[hdr.status]; ok {
			return hdr, body, n, e
		}
		return hdr, body, n, fmt.Errorf("binary status error: %d", hdr.status)
	}
	return hdr, body, n, nil
}

func (c *BinaryCodec) DecodeGetReply(r *bufio.Reader, key string) (hit bool, n int, err error) {
	hdr, _, n, err := readPacket(r)
	if err != nil {
		if hdr.status != 0 {
			return false, n, nil // miss, not fatal
		}
		return false, n, err
	}
	return true, n, nil
}

func (c *BinaryCodec) DecodeSetReply(r *bufio.Reader) (int, error) {
	hdr, _, n, err := readPacket(r)
	if err != nil {
		return n, err
	}
	_ = hdr
	return n, nil
}

func (c *BinaryCodec) DecodeGetqBatchReply(r *bufio.Reader, size int) (hits, n int, err error) {
	for {
		hdr, _, bn, err := readPacket(r)
		n += bn
		if err != nil && hdr.status == 0 {
			return hits, n, err
		}
		if hdr.opcode == opNoop {
			return hits, n, nil
		}
		if hdr.status == 0 {
			hits++
		}
	}
}
