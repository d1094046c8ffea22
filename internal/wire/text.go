package wire

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

// TextCodec implements the memcached text protocol, adapted from the
// teacher's pkg/client/protocol.go Get/Set (the meta-protocol variants in
// that file are not needed by this spec and were dropped).
type TextCodec struct{}

func (TextCodec) EncodeGet(w *bufio.Writer, key string) (int, error) {
	n, _ := w.WriteString("get ")
	n2, _ := w.WriteString(key)
	n3, _ := w.WriteString("\r\n")
	return n + n2 + n3, w.Flush()
}

func (TextCodec) EncodeSet(w *bufio.Writer, key string, value []byte, flags, exptime uint32) (int, error) {
	total := 0
	n, _ := w.WriteString("set ")
	total += n
	n, _ = w.WriteString(key)
	total += n
	n, _ = w.WriteString(" ")
	total += n
	n, _ = w.WriteString(strconv.FormatUint(uint64(flags), 10))
	total += n
	n, _ = w.WriteString(" ")
	total += n
	n, _ = w.WriteString(strconv.FormatUint(uint64(exptime), 10))
	total += n
	n, _ = w.WriteString(" ")
	total += n
	n, _ = w.WriteString(strconv.FormatUint(uint64(len(value)), 10))
	total += n
	n, _ = w.WriteString("\r\n")
	total += n
	n, err := w.Write(value)
	total += n
	if err != nil {
		return total, err
	}
	n, _ = w.WriteString("\r\n")
	total += n
	return total, w.Flush()
}

func (TextCodec) EncodeGetqBatch(w *bufio.Writer, keys []string) (int, error) {
	total := 0
	for _, key := range keys {
		n, _ := w.WriteString("get ")
		total += n
		n, _ = w.WriteString(key)
		total += n
		n, _ = w.WriteString("\r\n")
		total += n
	}
	return total, w.Flush()
}

func (TextCodec) DecodeGetReply(r *bufio.Reader, key string) (hit bool, n int, err error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return false, 0, err
	}
	n = len(line)
	if bytes.Equal(line, []byte("END\r\n")) {
		return false, n, nil
	}
	parts := bytes.Split(line[:len(line)-2], []byte(" "))
	if len(parts) != 4 || !bytes.Equal(parts[0], []byte("VALUE")) {
		return false, n, ErrUnexpectedReply
	}
	size, _ := parseUint(parts[3])
	value := make([]byte, size+2)
	vn, err := io.ReadFull(r, value)
	n += vn
	if err != nil {
		return false, n, err
	}
	if !bytes.Equal(value[len(value)-2:], []byte("\r\n")) {
		return false, n, ErrCorruptValue
	}

	end, err := r.ReadBytes('\n')
	n += len(end)
	if err != nil {
		return false, n, err
	}
	if !bytes.Equal(end, []byte("END\r\n")) {
		return false, n, ErrUnexpectedReply
	}
	return true, n, nil
}

func (TextCodec) DecodeSetReply(r *bufio.Reader) (int, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(line, []byte("STORED\r\n")) {
		return len(line), ErrUnexpectedReply
	}
	return len(line), nil
}

func (c TextCodec) DecodeGetqBatchReply(r *bufio.Reader, size int) (hits, n int, err error) {
	for i := 0; i < size; i++ {
		hit, bn, err := c.DecodeGetReply(r, "")
		n += bn
		if err != nil {
			return hits, n, err
		}
		if hit {
			hits++
		}
	}
	return hits, n, nil
}

func parseUint(part []byte) (n uint64, i int) {
	for i, b := range part {
		if b < '0' || b > '9' {
			return n, i
		}
		n *= 10
		n += uint64(b - '0')
	}
	return n, 0
}
