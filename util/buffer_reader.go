package util

import "github.com/juju/errors"

// ErrShortBuffer 读取越过缓冲区末尾
var ErrShortBuffer = errors.New("short buffer")

// BufferReader 小端序顺序读取，第一次越界后所有读取返回零值，错误由 Err 给出
type BufferReader struct {
	buff   []byte
	cursor int
	err    error
}

func NewBufferReader(buff []byte) *BufferReader {
	return &BufferReader{buff: buff}
}

func (r *BufferReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.cursor+n > len(r.buff) {
		r.err = errors.Annotatef(ErrShortBuffer, "need %d bytes at %d, have %d", n, r.cursor, len(r.buff))
		return nil
	}
	b := r.buff[r.cursor : r.cursor+n]
	r.cursor += n
	return b
}

func (r *BufferReader) ReadUB1() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *BufferReader) ReadUB2() uint16 {
	if b := r.take(2); b != nil {
		return uint16(b[0]) | uint16(b[1])<<8
	}
	return 0
}

func (r *BufferReader) ReadUB4() uint32 {
	if b := r.take(4); b != nil {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	return 0
}

func (r *BufferReader) ReadUB8() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReadWithLength 读取 WriteWithLength 写入的内容，返回副本
func (r *BufferReader) ReadWithLength() []byte {
	n := int(r.ReadUB2())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Remaining 未读取的字节数
func (r *BufferReader) Remaining() int {
	return len(r.buff) - r.cursor
}

func (r *BufferReader) Err() error {
	return r.err
}
