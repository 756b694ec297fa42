package protocol

import "encoding/binary"

// inputBuffer accumulates inbound bytes and exposes a read cursor with mark/rewind.
// Slices returned by next alias the buffer and are only valid until the next compact.
type inputBuffer struct {
	buf  []byte
	off  int
	mark int
}

func (b *inputBuffer) append(p []byte) {
	b.compact()
	b.buf = append(b.buf, p...)
}

func (b *inputBuffer) readable() int {
	return len(b.buf) - b.off
}

func (b *inputBuffer) markPos() {
	b.mark = b.off
}

func (b *inputBuffer) rewind() {
	b.off = b.mark
}

func (b *inputBuffer) reset() {
	b.buf = b.buf[:0]
	b.off = 0
	b.mark = 0
}

// compact drops consumed bytes once they dominate the buffer
func (b *inputBuffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
		b.mark = 0
		return
	}
	if b.off < len(b.buf)/2 && b.off < 64<<10 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.mark -= b.off
	if b.mark < 0 {
		b.mark = 0
	}
	b.off = 0
}

func (b *inputBuffer) next(n int) ([]byte, bool) {
	if n < 0 || b.readable() < n {
		return nil, false
	}
	p := b.buf[b.off : b.off+n]
	b.off += n
	return p, true
}

func (b *inputBuffer) u8() (uint8, bool) {
	p, ok := b.next(1)
	if !ok {
		return 0, false
	}
	return p[0], true
}

func (b *inputBuffer) u16() (uint16, bool) {
	p, ok := b.next(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(p), true
}

func (b *inputBuffer) u32() (uint32, bool) {
	p, ok := b.next(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(p), true
}

func (b *inputBuffer) u64() (uint64, bool) {
	p, ok := b.next(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(p), true
}

// copyN returns an owned copy of the next n bytes
func (b *inputBuffer) copyN(n int) ([]byte, bool) {
	p, ok := b.next(n)
	if !ok {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, p)
	return out, true
}
