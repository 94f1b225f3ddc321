package util

import (
	"github.com/OneOfOne/xxhash"
)

// Checksum 日志帧校验和
func Checksum(data []byte) uint64 {
	h := xxhash.New64()
	h.Write(data)
	return h.Sum64()
}
