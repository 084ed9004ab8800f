package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// OpKind 表示操作类型。
type OpKind int

const (
	// OpInsert 在 Prev 之后插入一个字符。
	OpInsert OpKind = iota
	// OpDelete 将 Target 标记为墓碑。删除不移除节点，
	// 否则并发操作无法收敛。
	OpDelete
)

// Op 表示对文本序列的单个操作。
// 插入以单个 rune 为单位，一次本地编辑产生的多个操作
// 打包在同一个 Delta 中发送。
type Op struct {
	Kind   OpKind `msgpack:"k"`
	ID     ID     `msgpack:"i"` // 插入单元的 ID（OpInsert）
	Prev   ID     `msgpack:"p"` // 前驱单元的 ID（OpInsert），零值表示头部
	Rune   rune   `msgpack:"r"` // 插入的字符（OpInsert）
	Target ID     `msgpack:"t"` // 被删除单元的 ID（OpDelete）
}

// Delta 是一次本地编辑产生的可发送操作集。
// 任何副本以任何顺序、任何次数应用同一个 Delta，结果都相同。
type Delta struct {
	Ops []Op `msgpack:"o"`
}

// Empty 报告 Delta 是否不包含任何操作。
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// Encode 将 Delta 序列化为传输用的不透明字节。
func (d Delta) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("序列化 Delta 失败: %w", err)
	}
	return data, nil
}

// DecodeDelta 从传输字节中恢复 Delta。
func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("反序列化 Delta 失败: %w", err)
	}
	return d, nil
}
