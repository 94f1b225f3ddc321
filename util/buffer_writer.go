package util

import (
	"math"

	"github.com/juju/errors"
)

// 小端序追加写，返回扩展后的切片

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return append(buf, byte(i), byte(i>>8))
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func WriteUB8(buf []byte, i uint64) []byte {
	return append(buf,
		byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}

// WriteWithLength 2 字节长度前缀 + 内容，内容超过 65535 字节时返回 NotValid 错误
func WriteWithLength(buf []byte, from []byte) ([]byte, error) {
	if len(from) > math.MaxUint16 {
		return buf, errors.NotValidf("length-prefixed field of %d bytes", len(from))
	}
	buf = WriteUB2(buf, uint16(len(from)))
	return append(buf, from...), nil
}
