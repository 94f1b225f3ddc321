package basic

const (
	// PAGE_SIZE 页大小
	PAGE_SIZE = 4096
	// RESERVED_SPACE 每页为页头保留的字节数
	RESERVED_SPACE = 36
	// EFFECTIVE_PAGE_SIZE 页内可用字节数，也是单条日志记录的上限
	EFFECTIVE_PAGE_SIZE = PAGE_SIZE - RESERVED_SPACE

	// MAX_PAGES_PER_PARTITION 虚拟页号中每个分区占用的页号区间
	MAX_PAGES_PER_PARTITION int64 = 10_000_000_000

	// LOG_PARTITION 日志所在分区，不记录其分配与释放
	LOG_PARTITION int32 = 0
)

// VirtualPageNum 由分区号和分区内页号得到虚拟页号
func VirtualPageNum(partNum int32, pageIndex int64) int64 {
	return int64(partNum)*MAX_PAGES_PER_PARTITION + pageIndex
}

// PartNum 虚拟页号所属的分区
func PartNum(pageNum int64) int32 {
	return int32(pageNum / MAX_PAGES_PER_PARTITION)
}

// PageIndex 虚拟页号在分区内的序号
func PageIndex(pageNum int64) int64 {
	return pageNum % MAX_PAGES_PER_PARTITION
}
