package codec

import (
	"encoding/binary"
)

// All multi-byte integers travel in network byte order (big-endian).

func (b *Buffer) NextUint8() (uint8, error) {
	if err := b.ensureReadable(1); err != nil {
		return 0, err
	}
	return b.take(1)[0], nil
}

func (b *Buffer) NextUint16() (uint16, error) {
	if err := b.ensureReadable(2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b.take(2)), nil
}

func (b *Buffer) NextUint32() (uint32, error) {
	if err := b.ensureReadable(4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b.take(4)), nil
}

func (b *Buffer) NextUint64() (uint64, error) {
	if err := b.ensureReadable(8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b.take(8)), nil
}

// NextBytes consumes n bytes and returns them as a freshly allocated slice
// that does not alias the buffer.
func (b *Buffer) NextBytes(n int) ([]byte, error) {
	if err := b.ensureReadable(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.take(n))
	return out, nil
}

// NextArray fills dst completely, the fixed-width counterpart of NextBytes.
func (b *Buffer) NextArray(dst []byte) error {
	if err := b.ensureReadable(len(dst)); err != nil {
		return err
	}
	copy(dst, b.take(len(dst)))
	return nil
}

// Discard skips n bytes, typically padding.
func (b *Buffer) Discard(n int) error {
	if err := b.ensureReadable(n); err != nil {
		return err
	}
	b.off += n
	return nil
}

func (b *Buffer) PushUint8(v uint8) error {
	if err := b.ensureWritable(1); err != nil {
		return err
	}
	b.grow(1)[0] = v
	return nil
}

func (b *Buffer) PushUint16(v uint16) error {
	if err := b.ensureWritable(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.grow(2), v)
	return nil
}

func (b *Buffer) PushUint32(v uint32) error {
	if err := b.ensureWritable(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.grow(4), v)
	return nil
}

func (b *Buffer) PushUint64(v uint64) error {
	if err := b.ensureWritable(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.grow(8), v)
	return nil
}

// PushSlice appends p verbatim.
func (b *Buffer) PushSlice(p []byte) error {
	if err := b.ensureWritable(len(p)); err != nil {
		return err
	}
	copy(b.grow(len(p)), p)
	return nil
}

// PushBytes moves the whole readable region of src into b. On success src is
// left empty; on failure neither buffer changes.
func (b *Buffer) PushBytes(src *Buffer) error {
	n := src.Remaining()
	if err := b.ensureWritable(n); err != nil {
		return err
	}
	copy(b.grow(n), src.take(n))
	return nil
}

// PushRepeat appends n copies of v.
func (b *Buffer) PushRepeat(v byte, n int) error {
	if err := b.ensureWritable(n); err != nil {
		return err
	}
	p := b.grow(n)
	for i := range p {
		p[i] = v
	}
	return nil
}
