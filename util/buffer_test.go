package util

import (
	"math"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestBufferReadWrite(t *testing.T) {
	var buf []byte
	buf = WriteByte(buf, 7)
	buf = WriteUB2(buf, 0xBEEF)
	buf = WriteUB4(buf, 0xDEADBEEF)
	buf = WriteUB8(buf, 0x0102030405060708)
	buf, err := WriteWithLength(buf, []byte("page"))
	assert.NoError(t, err)
	assert.Len(t, buf, 1+2+4+8+2+4)
	assert.Equal(t, []byte{0xEF, 0xBE}, buf[1:3])

	r := NewBufferReader(buf)
	assert.Equal(t, byte(7), r.ReadUB1())
	assert.Equal(t, uint16(0xBEEF), r.ReadUB2())
	assert.Equal(t, uint32(0xDEADBEEF), r.ReadUB4())
	assert.Equal(t, uint64(0x0102030405060708), r.ReadUB8())
	assert.Equal(t, []byte("page"), r.ReadWithLength())
	assert.Equal(t, 0, r.Remaining())
	assert.NoError(t, r.Err())
}

func TestWriteWithLength_TooLong(t *testing.T) {
	buf := []byte{1}
	out, err := WriteWithLength(buf, make([]byte, math.MaxUint16+1))
	assert.True(t, errors.IsNotValid(err))
	assert.Equal(t, []byte{1}, out)

	out, err = WriteWithLength(nil, make([]byte, math.MaxUint16))
	assert.NoError(t, err)
	assert.Len(t, out, 2+math.MaxUint16)
	assert.Equal(t, []byte{0xFF, 0xFF}, out[:2])
}

func TestBufferReaderShort(t *testing.T) {
	r := NewBufferReader([]byte{1, 2, 3})
	assert.Equal(t, uint16(0x0201), r.ReadUB2())
	assert.Equal(t, uint32(0), r.ReadUB4())
	assert.Equal(t, ErrShortBuffer, errors.Cause(r.Err()))
	// 出错后不再前进
	assert.Equal(t, byte(0), r.ReadUB1())
	assert.Equal(t, 1, r.Remaining())
}

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("788788"))
	assert.Equal(t, a, Checksum([]byte("788788")))
	assert.NotEqual(t, a, Checksum([]byte("788789")))
}
