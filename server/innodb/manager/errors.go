package manager

import "github.com/juju/errors"

// 日志管理器错误
var (
	ErrLogRecordNotFound = errors.New("log record not found")
	ErrLogCorrupt        = errors.New("log frame corrupt")
	ErrLogClosed         = errors.New("log closed")
)

// Buffer pool manager errors
var (
	ErrBufferPoolFull = errors.New("buffer pool full")
)

// Transaction manager errors
var (
	ErrInvalidTrxState = errors.New("invalid transaction state")
)
