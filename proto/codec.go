package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gtm/common"
	"gtm/types"
)

// ErrProtocol reports a malformed payload. Connections that produce one are
// dropped; the error never escalates past the offending request.
var ErrProtocol = errors.New("malformed message payload")

// MaxFrameSize bounds a single frame's payload. Large enough for a full
// transaction-table blob, small enough to stop a garbage length prefix from
// allocating the machine away.
const MaxFrameSize = 16 << 20

// WriteFrame writes one framed message.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	var hdr [5]byte
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one framed message, rejecting oversized payloads.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(hdr[1:])
	if size > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return Tag(hdr[0]), payload, nil
}

// Encoder builds a message payload. Components go out in network byte order.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty payload encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) PutByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) PutBool(b bool) {
	if b {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutInt32(v int32) {
	e.PutUint32(uint32(v))
}

func (e *Encoder) PutUint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutGXID(gxid common.GXID) {
	e.PutUint32(uint32(gxid))
}

func (e *Encoder) PutStatus(status types.Status) {
	e.PutInt32(int32(status))
}

// PutBytesRaw appends bytes verbatim, without a length prefix.
func (e *Encoder) PutBytesRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// PutString writes a u32 length followed by the bytes, no terminator.
func (e *Encoder) PutString(s string) {
	e.PutUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Decoder consumes a message payload. Errors stick: after the first
// malformed component every further read returns zero values and Err()
// reports the failure.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps a received payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// Err returns the first decode error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Close verifies the payload was fully consumed.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		d.err = fmt.Errorf("%w: %d trailing bytes", ErrProtocol, len(d.buf)-d.off)
	}
	return d.err
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: truncated payload", ErrProtocol)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool {
	return d.Byte() != 0
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) GXID() common.GXID {
	return common.GXID(d.Uint32())
}

func (d *Decoder) Status() types.Status {
	return types.Status(d.Int32())
}

// Bytes reads n raw bytes.
func (d *Decoder) Bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a length-prefixed string, rejecting lengths above max.
func (d *Decoder) String(max int) string {
	n := int(d.Uint32())
	if d.err != nil {
		return ""
	}
	if n > max {
		d.err = fmt.Errorf("%w: string of %d bytes exceeds limit %d", ErrProtocol, n, max)
		return ""
	}
	b := d.take(n)
	return string(b)
}

// Count reads a u32 element count, bounding it so a corrupt prefix cannot
// drive a huge allocation.
func (d *Decoder) Count(max int) int {
	n := int(d.Uint32())
	if d.err != nil {
		return 0
	}
	if n < 0 || n > max {
		d.err = fmt.Errorf("%w: count %d out of range", ErrProtocol, n)
		return 0
	}
	return n
}
