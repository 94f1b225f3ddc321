package concurrency

import (
	"strconv"
	"strings"
)

// ResourceName 资源在层次结构中的路径，如 database/1/5
type ResourceName struct {
	labels []string
	ids    []int64
}

// NewResourceName 创建顶层资源名
func NewResourceName(label string, id int64) ResourceName {
	return ResourceName{labels: []string{label}, ids: []int64{id}}
}

// Child 返回子资源名，不修改接收者
func (n ResourceName) Child(label string, id int64) ResourceName {
	labels := make([]string, len(n.labels), len(n.labels)+1)
	copy(labels, n.labels)
	ids := make([]int64, len(n.ids), len(n.ids)+1)
	copy(ids, n.ids)
	return ResourceName{labels: append(labels, label), ids: append(ids, id)}
}

// Parent 父资源名，顶层资源返回 false
func (n ResourceName) Parent() (ResourceName, bool) {
	if len(n.ids) <= 1 {
		return ResourceName{}, false
	}
	return ResourceName{labels: n.labels[:len(n.labels)-1], ids: n.ids[:len(n.ids)-1]}, true
}

func (n ResourceName) Depth() int {
	return len(n.ids)
}

// ID 路径最后一段的编号
func (n ResourceName) ID() int64 {
	if len(n.ids) == 0 {
		return 0
	}
	return n.ids[len(n.ids)-1]
}

func (n ResourceName) Equal(other ResourceName) bool {
	if len(n.ids) != len(other.ids) {
		return false
	}
	for i := range n.ids {
		if n.ids[i] != other.ids[i] || n.labels[i] != other.labels[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf other 是否为 n 的真前缀
func (n ResourceName) IsDescendantOf(other ResourceName) bool {
	if len(other.ids) >= len(n.ids) {
		return false
	}
	for i := range other.ids {
		if n.ids[i] != other.ids[i] || n.labels[i] != other.labels[i] {
			return false
		}
	}
	return true
}

// 标签中的分隔符在 Key 中转义
var labelEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "/", "%2F")

// Key 作为 map 键的规范形式，不同资源名的 Key 互不相同
func (n ResourceName) Key() string {
	return n.format(labelEscaper.Replace)
}

func (n ResourceName) String() string {
	return n.format(nil)
}

func (n ResourceName) format(escape func(string) string) string {
	var b strings.Builder
	for i := range n.ids {
		if i > 0 {
			b.WriteByte('/')
		}
		if escape != nil {
			b.WriteString(escape(n.labels[i]))
		} else {
			b.WriteString(n.labels[i])
		}
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(n.ids[i], 10))
	}
	return b.String()
}
