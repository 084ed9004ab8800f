package crdt

// ID 唯一标识序列中的一个插入单元。
// Actor 是会话级别的副本标识（同一用户的两个标签页是两个 Actor），
// Counter 是该 Actor 单调递增的逻辑计数器，永不复用。
// 合并时本地计数器会被提升到观察到的最大值，
// 因此因果在后的插入总是携带更大的 Counter。
type ID struct {
	Counter uint64 `msgpack:"c"`
	Actor   string `msgpack:"a"`
}

// IsZero 报告 ID 是否为零值（哨兵头节点使用零值 ID）。
func (id ID) IsZero() bool {
	return id.Counter == 0 && id.Actor == ""
}

// precedes 报告在同一插入位置上 id 是否应排在 other 之前。
// 规则：Counter 大的在前（因果在后的插入靠左，与 RGA 一致）；
// Counter 相等的并发插入按 Actor 升序排列。
// 该规则必须在所有副本上完全一致，否则无法收敛。
func (id ID) precedes(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter > other.Counter
	}
	return id.Actor < other.Actor
}
