package traci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed reports bytes that do not follow the control protocol.
var ErrMalformed = errors.New("traci: malformed data")

// Writer accumulates big-endian protocol primitives.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of accumulated bytes.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) WriteUByte(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) WriteInt(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteDouble(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) WriteString(s string) {
	w.WriteInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteStringList(list []string) {
	w.WriteInt(int32(len(list)))
	for _, s := range list {
		w.WriteString(s)
	}
}

// WriteRaw appends b unchanged.
func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// Reader consumes big-endian protocol primitives. The first failure sticks:
// later reads return zero values and Err reports the original problem.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader reads from b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first read failure.
func (r *Reader) Err() error { return r.err }

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadUByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadInt() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) ReadDouble() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (r *Reader) ReadString() string {
	n := r.ReadInt()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *Reader) ReadStringList() []string {
	n := r.ReadInt()
	if r.err != nil {
		return nil
	}
	if n < 0 || int(n) > r.Remaining()/4 {
		r.err = fmt.Errorf("%w: string list of %d entries", ErrMalformed, n)
		return nil
	}
	list := make([]string, 0, n)
	for i := int32(0); i < n && r.err == nil; i++ {
		list = append(list, r.ReadString())
	}
	return list
}

// ReadBytes consumes n raw bytes.
func (r *Reader) ReadBytes(n int) []byte { return r.take(n) }
