package basic

import "github.com/juju/errors"

// 磁盘空间相关错误，重做分配/释放日志时据此判断操作是否已生效
var (
	ErrPartNotAllocated     = errors.New("partition not allocated")
	ErrPartAlreadyAllocated = errors.New("partition already allocated")
	ErrPageNotAllocated     = errors.New("page not allocated")
	ErrPageAlreadyAllocated = errors.New("page already allocated")
)
