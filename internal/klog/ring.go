// Package klog implements the kernel log ring buffer and the
// printk-style formatter and console fan-out on top of it.
package klog

import (
	"vanta/internal/arch/x86_64/lock"
)

// BufSize is the ring buffer's total capacity in bytes. Power of two,
// so masking replaces modulo when turning a monotonic offset into an
// array index.
const BufSize = 16 * 1024

// align pads every record (header+text) to a multiple of this many
// bytes, so walking record-to-record never needs unaligned reads.
const align = 8

// headerSize is the encoded size of a record's fixed header: u16 len,
// u8 level, u8 reserved, u64 timestamp.
const headerSize = 12

// ReadStatus reports the outcome of a Ring.Read call: a byte count
// alone cannot distinguish "caught up" from "evicted before you got
// here", and the two need different caller responses.
type ReadStatus int

const (
	// StatusOK means Read populated text/header with a live record and
	// advanced *sequence past it.
	StatusOK ReadStatus = iota
	// StatusGone means the requested sequence number was evicted
	// before it could be read; the cursor is advanced to the oldest
	// still-live sequence so the caller's next call makes progress.
	StatusGone
	// StatusNoNewData means the cursor has caught up to the writer;
	// nothing is lost, there is simply nothing new yet.
	StatusNoNewData
)

// Header is the per-record metadata stored alongside the text.
type Header struct {
	Level     uint8
	Timestamp uint64
}

// Ring is a byte-addressed circular log buffer. The zero value is an
// empty, usable ring starting at sequence 0.
type Ring struct {
	buf  [BufSize]byte
	head uint64 // next byte offset to write at (monotonic, unmasked)
	tail uint64 // byte offset of the oldest live record (monotonic)
	seq  uint64 // sequence number of the next record to be written

	lock lock.Spinlock
}

func recordLen(textLen int) uint64 {
	total := uint64(headerSize + textLen)
	return (total + align - 1) &^ (align - 1)
}

func (r *Ring) at(idx uint64) uint64 {
	return idx & (BufSize - 1)
}

// firstSeq returns the sequence number of the oldest live record,
// derived from how many records currently sit between tail and head.
func (r *Ring) firstSeq() uint64 {
	return r.seq - r.liveCount()
}

// liveCount walks tail..head counting whole records. Cheap relative to
// BufSize (16KiB) and only called from Read, never from the write hot
// path.
func (r *Ring) liveCount() uint64 {
	var count uint64
	idx := r.tail
	for idx < r.head {
		length, ok := r.peekLen(idx)
		if !ok {
			break
		}
		idx += length
		count++
	}
	return count
}

func (r *Ring) peekLen(idx uint64) (uint64, bool) {
	lenBytes := r.readAt(idx, 2)
	textLen := uint16(lenBytes[0]) | uint16(lenBytes[1])<<8
	if textLen == 0 {
		return 0, false
	}
	return recordLen(int(textLen)), true
}

// readAt copies n bytes starting at the monotonic offset idx into a
// fresh slice, wrapping around the end of buf as needed; records are
// allowed to straddle the physical end of the array.
func (r *Ring) readAt(idx uint64, n uint64) []byte {
	out := make([]byte, n)
	off := r.at(idx)
	first := n
	if off+first > BufSize {
		first = BufSize - off
	}
	copy(out, r.buf[off:off+first])
	if first < n {
		copy(out[first:], r.buf[:n-first])
	}
	return out
}

// writeAt copies data into buf starting at the monotonic offset idx,
// wrapping around the end of the array as needed.
func (r *Ring) writeAt(idx uint64, data []byte) {
	off := r.at(idx)
	n := uint64(len(data))
	first := n
	if off+first > BufSize {
		first = BufSize - off
	}
	copy(r.buf[off:off+first], data[:first])
	if first < n {
		copy(r.buf[:n-first], data[first:])
	}
}

// Write appends one record to the ring, evicting from the tail as
// needed to make room. now is the record's timestamp. A message longer
// than the buffer is rejected rather than looping forever trying to
// evict space that will never exist. Takes the ring lock with IRQs
// saved, since interrupt handlers and ordinary callers both reach
// this.
func (r *Ring) Write(level uint8, text string, now uint64) {
	wasEnabled := r.lock.LockIRQSave()
	defer r.lock.UnlockIRQRestore(wasEnabled)
	r.writeLocked(level, text, now)
}

// writeLocked is Write's body, factored out so tests can exercise the
// indexing and eviction logic directly instead of through the real
// interrupt-disabling lock.
func (r *Ring) writeLocked(level uint8, text string, now uint64) {
	if len(text) == 0 {
		return
	}
	if len(text) > 0xFFFF {
		text = text[:0xFFFF]
	}
	size := recordLen(len(text))
	if size > BufSize {
		return
	}

	for r.head-r.tail+size > BufSize {
		length, ok := r.peekLen(r.tail)
		if !ok {
			break
		}
		r.tail += length
	}

	hdr := make([]byte, headerSize)
	putUint16(hdr, uint16(len(text)))
	hdr[2] = level
	hdr[3] = 0
	putUint64(hdr[4:], now)

	r.writeAt(r.head, hdr)
	r.writeAt(r.head+headerSize, []byte(text))

	r.head += size
	r.seq++
}

// Read fetches the record at *sequence (or the next live one, per
// Status), writing its text and header and advancing *sequence past it
// on StatusOK.
func (r *Ring) Read(sequence *uint64) (text string, hdr Header, status ReadStatus) {
	wasEnabled := r.lock.LockIRQSave()
	defer r.lock.UnlockIRQRestore(wasEnabled)
	return r.readLocked(sequence)
}

// readLocked is Read's body, factored out so tests can exercise it
// directly instead of through the real interrupt-disabling lock.
func (r *Ring) readLocked(sequence *uint64) (text string, hdr Header, status ReadStatus) {
	if *sequence >= r.seq {
		return "", Header{}, StatusNoNewData
	}

	first := r.firstSeq()
	if *sequence < first {
		*sequence = first
		return "", Header{}, StatusGone
	}

	idx := r.tail
	for s := first; s < *sequence; s++ {
		length, ok := r.peekLen(idx)
		if !ok {
			return "", Header{}, StatusNoNewData
		}
		idx += length
	}

	hdr2 := r.readAt(idx, headerSize)
	textLen := uint16(hdr2[0]) | uint16(hdr2[1])<<8
	if textLen == 0 {
		return "", Header{}, StatusNoNewData
	}
	level := hdr2[2]
	ts := getUint64(hdr2[4:])
	text = string(r.readAt(idx+headerSize, uint64(textLen)))

	*sequence++
	return text, Header{Level: level, Timestamp: ts}, StatusOK
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
