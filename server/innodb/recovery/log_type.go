package recovery

import "fmt"

// LogType 日志记录类型，取值即编码时的首字节
type LogType byte

const (
	LOG_TYPE_MASTER LogType = iota
	LOG_TYPE_ALLOC_PART
	LOG_TYPE_UNDO_ALLOC_PART
	LOG_TYPE_FREE_PART
	LOG_TYPE_UNDO_FREE_PART
	LOG_TYPE_ALLOC_PAGE
	LOG_TYPE_UNDO_ALLOC_PAGE
	LOG_TYPE_FREE_PAGE
	LOG_TYPE_UNDO_FREE_PAGE
	LOG_TYPE_UPDATE_PAGE
	LOG_TYPE_UNDO_UPDATE_PAGE
	LOG_TYPE_BEGIN_CHECKPOINT
	LOG_TYPE_END_CHECKPOINT
	LOG_TYPE_COMMIT_TRANSACTION
	LOG_TYPE_ABORT_TRANSACTION
	LOG_TYPE_END_TRANSACTION

	numLogTypes
)

var logTypeNames = [...]string{
	LOG_TYPE_MASTER:             "MASTER",
	LOG_TYPE_ALLOC_PART:         "ALLOC_PART",
	LOG_TYPE_UNDO_ALLOC_PART:    "UNDO_ALLOC_PART",
	LOG_TYPE_FREE_PART:          "FREE_PART",
	LOG_TYPE_UNDO_FREE_PART:     "UNDO_FREE_PART",
	LOG_TYPE_ALLOC_PAGE:         "ALLOC_PAGE",
	LOG_TYPE_UNDO_ALLOC_PAGE:    "UNDO_ALLOC_PAGE",
	LOG_TYPE_FREE_PAGE:          "FREE_PAGE",
	LOG_TYPE_UNDO_FREE_PAGE:     "UNDO_FREE_PAGE",
	LOG_TYPE_UPDATE_PAGE:        "UPDATE_PAGE",
	LOG_TYPE_UNDO_UPDATE_PAGE:   "UNDO_UPDATE_PAGE",
	LOG_TYPE_BEGIN_CHECKPOINT:   "BEGIN_CHECKPOINT",
	LOG_TYPE_END_CHECKPOINT:     "END_CHECKPOINT",
	LOG_TYPE_COMMIT_TRANSACTION: "COMMIT_TRANSACTION",
	LOG_TYPE_ABORT_TRANSACTION:  "ABORT_TRANSACTION",
	LOG_TYPE_END_TRANSACTION:    "END_TRANSACTION",
}

func (t LogType) String() string {
	if t < numLogTypes {
		return logTypeNames[t]
	}
	return fmt.Sprintf("LogType(%d)", byte(t))
}

func (t LogType) valid() bool {
	return t < numLogTypes
}

// isPageScoped 记录作用于单个页
func (t LogType) isPageScoped() bool {
	switch t {
	case LOG_TYPE_ALLOC_PAGE, LOG_TYPE_UNDO_ALLOC_PAGE,
		LOG_TYPE_FREE_PAGE, LOG_TYPE_UNDO_FREE_PAGE,
		LOG_TYPE_UPDATE_PAGE, LOG_TYPE_UNDO_UPDATE_PAGE:
		return true
	}
	return false
}

// isPartScoped 记录作用于整个分区
func (t LogType) isPartScoped() bool {
	switch t {
	case LOG_TYPE_ALLOC_PART, LOG_TYPE_UNDO_ALLOC_PART,
		LOG_TYPE_FREE_PART, LOG_TYPE_UNDO_FREE_PART:
		return true
	}
	return false
}

// isCompensation 补偿日志 (CLR)
func (t LogType) isCompensation() bool {
	switch t {
	case LOG_TYPE_UNDO_ALLOC_PART, LOG_TYPE_UNDO_FREE_PART,
		LOG_TYPE_UNDO_ALLOC_PAGE, LOG_TYPE_UNDO_FREE_PAGE,
		LOG_TYPE_UNDO_UPDATE_PAGE:
		return true
	}
	return false
}

// hasTransaction 记录属于某个事务
func (t LogType) hasTransaction() bool {
	switch t {
	case LOG_TYPE_MASTER, LOG_TYPE_BEGIN_CHECKPOINT, LOG_TYPE_END_CHECKPOINT:
		return false
	}
	return true
}

// freesPartition 执行后分区不再存在的记录
func (t LogType) freesPartition() bool {
	return t == LOG_TYPE_FREE_PART || t == LOG_TYPE_UNDO_ALLOC_PART
}

// allocatesOrFrees 页分配/释放类记录，分析阶段将其从脏页表移除
func (t LogType) allocatesOrFrees() bool {
	switch t {
	case LOG_TYPE_ALLOC_PAGE, LOG_TYPE_UNDO_ALLOC_PAGE,
		LOG_TYPE_FREE_PAGE, LOG_TYPE_UNDO_FREE_PAGE:
		return true
	}
	return false
}
