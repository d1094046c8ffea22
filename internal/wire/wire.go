// Package wire implements the memcached text/binary protocol encode and
// decode that spec.md treats as an external collaborator: "emit exactly
// one request per operation; on input, yield exactly one logical response
// per head-of-FIFO request; report bytes written/read." Adapted from the
// teacher repo's pkg/client/protocol.go, trimmed to the GET/SET and quiet
// multi-get subset the load generator's Connection state machine actually
// drives (meta-protocol and incr/decr/delete, present in the teacher but
// unused by this spec, were dropped — see DESIGN.md).
package wire

import (
	"bufio"
	"errors"
)

var (
	ErrCorruptValue      = errors.New("corrupt value in response")
	ErrUnexpectedReply   = errors.New("unexpected reply from server")
	ErrUnknownStatus     = errors.New("unknown status code in binary reply")
)

// Codec is the contract every Connection drives: one Encode call per
// issued operation, one Decode call per completed head-of-FIFO reply.
// Both report the number of bytes they moved so Connection can update
// RxBytes/TxBytes without the codec needing to know about ConnectionStats.
type Codec interface {
	// EncodeGet writes one GET request for key.
	EncodeGet(w *bufio.Writer, key string) (n int, err error)
	// EncodeSet writes one SET request for key/value.
	EncodeSet(w *bufio.Writer, key string, value []byte, flags, exptime uint32) (n int, err error)
	// EncodeGetqBatch writes one GET per key as a single multi-get batch,
	// per spec.md §4.1's multi-get batching: "the whole batch counts as one
	// FIFO slot whose completion is the NOOP response." The binary codec
	// writes quiet GETQs followed by a NOOP; the text codec, which has no
	// quiet GET or NOOP, writes plain GETs.
	EncodeGetqBatch(w *bufio.Writer, keys []string) (n int, err error)

	// DecodeGetReply reads one GET reply, reporting whether it was a hit.
	DecodeGetReply(r *bufio.Reader, key string) (hit bool, n int, err error)
	// DecodeSetReply reads one SET reply.
	DecodeSetReply(r *bufio.Reader) (n int, err error)
	// DecodeGetqBatchReply reads the replies to one multi-get batch,
	// reporting the number of hits seen: in binary, every reply up to the
	// terminating NOOP; in text, one GET reply for each of the size keys.
	DecodeGetqBatchReply(r *bufio.Reader, size int) (hits int, n int, err error)
}

// New returns the text or binary Codec, selected by the --binary flag
// (spec.md §6: "text or binary, selected by --binary").
func New(binary bool) Codec {
	if binary {
		return &BinaryCodec{}
	}
	return &TextCodec{}
}
