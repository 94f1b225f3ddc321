package basic

import "fmt"

// TransactionStatus 事务状态
type TransactionStatus int

const (
	TRX_STATE_RUNNING TransactionStatus = iota
	TRX_STATE_COMMITTING
	TRX_STATE_ABORTING
	TRX_STATE_RECOVERY_ABORTING
	TRX_STATE_COMPLETE
)

var transactionStatusNames = [...]string{
	TRX_STATE_RUNNING:           "RUNNING",
	TRX_STATE_COMMITTING:        "COMMITTING",
	TRX_STATE_ABORTING:          "ABORTING",
	TRX_STATE_RECOVERY_ABORTING: "RECOVERY_ABORTING",
	TRX_STATE_COMPLETE:          "COMPLETE",
}

func (s TransactionStatus) String() string {
	if s < 0 || int(s) >= len(transactionStatusNames) {
		return fmt.Sprintf("TransactionStatus(%d)", int(s))
	}
	return transactionStatusNames[s]
}

// TransactionStatusFromByte 解码检查点中的事务状态
func TransactionStatusFromByte(b byte) (TransactionStatus, error) {
	s := TransactionStatus(b)
	if int(s) >= len(transactionStatusNames) {
		return 0, fmt.Errorf("invalid transaction status %d", b)
	}
	return s, nil
}

// Transaction 恢复管理器与锁管理器看到的事务
type Transaction interface {
	TransNum() int64
	Status() TransactionStatus
	SetStatus(status TransactionStatus)
	// Cleanup 释放事务持有的全部锁等资源，可重复调用
	Cleanup()
}
