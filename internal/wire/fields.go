package wire

import (
	"encoding/binary"
	"fmt"

	"overlayplane/internal/domain"
)

// Writer appends fixed little-endian fields to a growing payload buffer.
// It is the common encoding helper every feature's frame codec builds on.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) NodeId(id domain.NodeId) { w.U32(uint32(id)) }

func (w *Writer) Metric(m domain.LinkMetric) {
	w.U16(m.RttMs)
	w.U32(m.BandwidthKbps)
	w.U16(m.LossPermille)
	w.U16(m.Cost)
}

// Blob writes a length-prefixed (u16) byte blob, the form used for KV
// values and any other variable-length payload field.
func (w *Writer) Blob(b []byte) {
	w.U16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader consumes fixed little-endian fields from a payload buffer in
// order, tracking a cursor and the first error encountered.
type Reader struct {
	buf []byte
	pos int
	err error
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("wire: short payload: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *Reader) NodeId() domain.NodeId { return domain.NodeId(r.U32()) }

func (r *Reader) Metric() domain.LinkMetric {
	return domain.LinkMetric{
		RttMs:         r.U16(),
		BandwidthKbps: r.U32(),
		LossPermille:  r.U16(),
		Cost:          r.U16(),
	}
}

func (r *Reader) Blob() []byte {
	n := int(r.U16())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b
}
