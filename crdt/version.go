package crdt

// VersionVector 表示一个版本向量。
// 映射 Actor -> 已观察到的最大计数器。
type VersionVector map[string]uint64

func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// Observe 记录来自某个 Actor 的计数器。
func (vv VersionVector) Observe(actor string, counter uint64) {
	if counter > vv[actor] {
		vv[actor] = counter
	}
}

// Merge 合并另一个版本向量（逐项取最大值）。
func (vv VersionVector) Merge(other VersionVector) {
	for actor, counter := range other {
		if counter > vv[actor] {
			vv[actor] = counter
		}
	}
}

// Descends 报告 vv 是否覆盖 other 的全部观察。
// 注意：版本向量是偏序的，Descends(a) 与 a.Descends 可以同时为假（并发）。
func (vv VersionVector) Descends(other VersionVector) bool {
	for actor, counter := range other {
		if vv[actor] < counter {
			return false
		}
	}
	return true
}

// Clone 返回副本。
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for actor, counter := range vv {
		out[actor] = counter
	}
	return out
}
