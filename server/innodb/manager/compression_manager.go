package manager

import (
	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xmysql-txn/util"
)

// 压缩方法，帧头 flags 的取值
const (
	COMPRESSION_NONE uint8 = iota // 不压缩
	COMPRESSION_SNAPPY
	COMPRESSION_LZ4
)

// 帧头: flags(1) + xxhash64(8)
const frameHeaderSize = 1 + 8

// CompressionMethodFromString 解析配置中的压缩方法
func CompressionMethodFromString(s string) (uint8, error) {
	switch s {
	case "", "none":
		return COMPRESSION_NONE, nil
	case "snappy":
		return COMPRESSION_SNAPPY, nil
	case "lz4":
		return COMPRESSION_LZ4, nil
	}
	return 0, errors.NotValidf("compression method %q", s)
}

// CompressionManager 日志帧的压缩与校验。
// 只有负载不小于 threshold 且压缩后更短时才压缩。
type CompressionManager struct {
	method    uint8
	threshold int
}

func NewCompressionManager(method uint8, threshold int) *CompressionManager {
	return &CompressionManager{method: method, threshold: threshold}
}

// EncodeFrame 生成 [flags][checksum][payload]，校验和覆盖压缩后的负载
func (cm *CompressionManager) EncodeFrame(data []byte) ([]byte, error) {
	flags := COMPRESSION_NONE
	payload := data
	if cm.method != COMPRESSION_NONE && len(data) >= cm.threshold {
		compressed, err := cm.compress(data)
		if err != nil {
			return nil, err
		}
		if compressed != nil && len(compressed) < len(data) {
			flags, payload = cm.method, compressed
		}
	}
	frame := make([]byte, 0, frameHeaderSize+len(payload))
	frame = util.WriteByte(frame, flags)
	frame = util.WriteUB8(frame, util.Checksum(payload))
	return append(frame, payload...), nil
}

// DecodeFrame 校验并解压 EncodeFrame 的结果
func (cm *CompressionManager) DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, errors.Annotatef(ErrLogCorrupt, "frame of %d bytes", len(frame))
	}
	rd := util.NewBufferReader(frame[:frameHeaderSize])
	flags := rd.ReadUB1()
	sum := rd.ReadUB8()
	payload := frame[frameHeaderSize:]
	if util.Checksum(payload) != sum {
		return nil, errors.Annotatef(ErrLogCorrupt, "checksum mismatch")
	}

	switch flags {
	case COMPRESSION_NONE:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case COMPRESSION_SNAPPY:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errors.Annotatef(ErrLogCorrupt, "snappy: %v", err)
		}
		return out, nil
	case COMPRESSION_LZ4:
		return decompressLZ4(payload)
	}
	return nil, errors.Annotatef(ErrLogCorrupt, "unknown compression flags %d", flags)
}

func (cm *CompressionManager) compress(data []byte) ([]byte, error) {
	switch cm.method {
	case COMPRESSION_SNAPPY:
		return snappy.Encode(nil, data), nil
	case COMPRESSION_LZ4:
		return compressLZ4(data)
	}
	return nil, nil
}

// compressLZ4 lz4 块格式不含原始长度，前置 4 字节长度。不可压缩时返回 nil。
func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf[4:], nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n == 0 {
		return nil, nil
	}
	copy(buf, util.WriteUB4(nil, uint32(len(data))))
	return buf[:4+n], nil
}

func decompressLZ4(payload []byte) ([]byte, error) {
	rd := util.NewBufferReader(payload)
	size := int(rd.ReadUB4())
	if rd.Err() != nil {
		return nil, errors.Annotatef(ErrLogCorrupt, "lz4 header")
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(payload[4:], out)
	if err != nil || n != size {
		return nil, errors.Annotatef(ErrLogCorrupt, "lz4: %d of %d bytes, %v", n, size, err)
	}
	return out, nil
}
