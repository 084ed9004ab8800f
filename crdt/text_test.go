package crdt_test

import (
	"errors"
	"testing"

	"github.com/arunaabhs/olive_sync/crdt"
)

func TestLocalInsertAndMaterialize(t *testing.T) {
	doc := crdt.NewText("A")

	// 本地优先：插入后立即可见，不依赖网络
	if _, err := doc.ApplyLocalInsert(0, "Hi"); err != nil {
		t.Fatalf("插入失败: %v", err)
	}
	if got := doc.Materialize(); got != "Hi" {
		t.Errorf("期望结果为 Hi，实际为 %q", got)
	}

	if _, err := doc.ApplyLocalInsert(1, "ello, 世界! H"); err != nil {
		t.Fatalf("插入失败: %v", err)
	}
	if got := doc.Materialize(); got != "Hello, 世界! Hi" {
		t.Errorf("期望结果为 %q，实际为 %q", "Hello, 世界! Hi", got)
	}
	// 13 个 rune：多字节字符按 rune 计数
	if doc.Len() != 13 {
		t.Errorf("期望长度为 13，实际为 %d", doc.Len())
	}
}

func TestLocalDelete(t *testing.T) {
	doc := crdt.NewText("A")
	doc.ApplyLocalInsert(0, "abcdef")

	d, err := doc.ApplyLocalDelete(1, 3)
	if err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if len(d.Ops) != 3 {
		t.Errorf("期望 3 个操作，实际为 %d", len(d.Ops))
	}
	if got := doc.Materialize(); got != "aef" {
		t.Errorf("期望结果为 aef，实际为 %q", got)
	}

	// 空范围是无操作
	d, err = doc.ApplyLocalDelete(0, 0)
	if err != nil {
		t.Fatalf("空范围删除不应报错: %v", err)
	}
	if !d.Empty() {
		t.Errorf("空范围应返回空 Delta")
	}
}

func TestInvalidPositionAndRange(t *testing.T) {
	doc := crdt.NewText("A")
	doc.ApplyLocalInsert(0, "abc")

	if _, err := doc.ApplyLocalInsert(4, "x"); !errors.Is(err, crdt.ErrInvalidPosition) {
		t.Errorf("期望 ErrInvalidPosition，实际为 %v", err)
	}
	if _, err := doc.ApplyLocalInsert(-1, "x"); !errors.Is(err, crdt.ErrInvalidPosition) {
		t.Errorf("期望 ErrInvalidPosition，实际为 %v", err)
	}
	if _, err := doc.ApplyLocalDelete(2, 5); !errors.Is(err, crdt.ErrInvalidRange) {
		t.Errorf("期望 ErrInvalidRange，实际为 %v", err)
	}
	if _, err := doc.ApplyLocalDelete(-1, 1); !errors.Is(err, crdt.ErrInvalidRange) {
		t.Errorf("期望 ErrInvalidRange，实际为 %v", err)
	}
}

// 收敛性：两个副本以不同顺序应用同一组操作，结果逐字节相同。
func TestConvergenceAnyOrder(t *testing.T) {
	a := crdt.NewText("A")
	b := crdt.NewText("B")

	d1, _ := a.ApplyLocalInsert(0, "abc")
	d2, _ := a.ApplyLocalDelete(1, 1)
	d3, _ := b.ApplyLocalInsert(0, "xy")

	// 副本 C 正序应用，副本 D 逆序应用
	c := crdt.NewText("C")
	for _, d := range []crdt.Delta{d1, d2, d3} {
		if err := c.MergeRemote(d); err != nil {
			t.Fatalf("合并失败: %v", err)
		}
	}
	e := crdt.NewText("D")
	for _, d := range []crdt.Delta{d3, d2, d1} {
		if err := e.MergeRemote(d); err != nil {
			t.Fatalf("合并失败: %v", err)
		}
	}

	if c.Materialize() != e.Materialize() {
		t.Errorf("副本未收敛: %q != %q", c.Materialize(), e.Materialize())
	}
}

// 幂等性：同一 Delta 应用两次与应用一次结果相同。
func TestIdempotentRedelivery(t *testing.T) {
	a := crdt.NewText("A")
	ins, _ := a.ApplyLocalInsert(0, "abc")
	del, _ := a.ApplyLocalDelete(0, 1)

	b := crdt.NewText("B")
	for i := 0; i < 3; i++ {
		if err := b.MergeRemote(ins); err != nil {
			t.Fatalf("合并失败: %v", err)
		}
		if err := b.MergeRemote(del); err != nil {
			t.Fatalf("合并失败: %v", err)
		}
	}
	if got := b.Materialize(); got != "bc" {
		t.Errorf("期望结果为 bc，实际为 %q", got)
	}
	if got := a.Materialize(); got != b.Materialize() {
		t.Errorf("副本未收敛: %q != %q", got, b.Materialize())
	}
}

// 单 Actor 因果顺序：先插入 A 再插入 B，任何副本都按 A-B 渲染。
func TestCausalOrderPerActor(t *testing.T) {
	a := crdt.NewText("A")
	d1, _ := a.ApplyLocalInsert(0, "A")
	d2, _ := a.ApplyLocalInsert(1, "B")

	// 乱序到达：d2 先到，应被因果缓冲
	b := crdt.NewText("B")
	if err := b.MergeRemote(d2); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if b.PendingOps() != 1 {
		t.Errorf("期望 1 个缓冲操作，实际为 %d", b.PendingOps())
	}
	if got := b.Materialize(); got != "" {
		t.Errorf("依赖未到达前不应可见，实际为 %q", got)
	}

	if err := b.MergeRemote(d1); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if got := b.Materialize(); got != "AB" {
		t.Errorf("期望结果为 AB，实际为 %q", got)
	}
	if b.PendingOps() != 0 {
		t.Errorf("缓冲应已清空，实际为 %d", b.PendingOps())
	}
}

// 删除先于插入到达时同样被缓冲。
func TestDeleteBufferedBeforeInsert(t *testing.T) {
	a := crdt.NewText("A")
	ins, _ := a.ApplyLocalInsert(0, "x")
	del, _ := a.ApplyLocalDelete(0, 1)

	b := crdt.NewText("B")
	if err := b.MergeRemote(del); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if err := b.MergeRemote(ins); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if got := b.Materialize(); got != "" {
		t.Errorf("期望空文本，实际为 %q", got)
	}
}

// 规范场景：X 在空文档位置 0 插入 cat；Y 离线时也在位置 0 插入 dog。
// 合并后两个副本必须物化出同一个交错结果，而不是各自不同的顺序。
func TestConcurrentInsertTieBreak(t *testing.T) {
	x := crdt.NewText("X")
	y := crdt.NewText("Y")

	dx, _ := x.ApplyLocalInsert(0, "cat")
	dy, _ := y.ApplyLocalInsert(0, "dog")

	if err := x.MergeRemote(dy); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if err := y.MergeRemote(dx); err != nil {
		t.Fatalf("合并失败: %v", err)
	}

	if x.Materialize() != y.Materialize() {
		t.Fatalf("副本未收敛: %q != %q", x.Materialize(), y.Materialize())
	}
	// 平局规则固定：计数器相同的并发插入按 Actor 升序，X < Y
	if got := x.Materialize(); got != "catdog" {
		t.Errorf("期望结果为 catdog，实际为 %q", got)
	}
}

// 三个副本、交叉编辑、全排列传播后仍收敛。
func TestConvergenceThreeReplicas(t *testing.T) {
	a := crdt.NewText("A")
	b := crdt.NewText("B")
	c := crdt.NewText("C")

	d1, _ := a.ApplyLocalInsert(0, "hello")
	d2, _ := b.ApplyLocalInsert(0, "world")
	d3, _ := c.ApplyLocalInsert(0, "!")

	deltas := []crdt.Delta{d1, d2, d3}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	docs := []*crdt.Text{a, b, c}
	for i, doc := range docs {
		for _, j := range orders[i] {
			if err := doc.MergeRemote(deltas[j]); err != nil {
				t.Fatalf("合并失败: %v", err)
			}
		}
	}

	if a.Materialize() != b.Materialize() || b.Materialize() != c.Materialize() {
		t.Errorf("副本未收敛: %q / %q / %q", a.Materialize(), b.Materialize(), c.Materialize())
	}
}

func TestVersionVector(t *testing.T) {
	a := crdt.NewText("A")
	seed, _ := a.ApplyLocalInsert(0, "abc")

	v := a.Version()
	if v["A"] != 3 {
		t.Errorf("期望 A 的计数器为 3，实际为 %d", v["A"])
	}

	b := crdt.NewText("B")
	b.MergeRemote(seed)
	d, _ := a.ApplyLocalDelete(0, 1)
	ins, _ := a.ApplyLocalInsert(2, "d")
	b.MergeRemote(d)
	b.MergeRemote(ins)

	// 删除不产生新 ID；合并提升观察到的计数器
	if got := b.Version()["A"]; got != 4 {
		t.Errorf("期望观察到 A 的计数器为 4，实际为 %d", got)
	}
	if !a.Version().Descends(b.Version()) {
		t.Errorf("A 应覆盖 B 的全部观察")
	}

	// 版本向量只统计已整合的操作：缺少因果前驱而被缓冲的操作
	// 不算观察到，握手回放才能把缺口补齐
	c := crdt.NewText("C")
	c.MergeRemote(ins)
	if got := c.Version()["A"]; got != 0 {
		t.Errorf("缓冲操作不应推进版本向量，实际为 %d", got)
	}
	if c.PendingOps() != 1 {
		t.Errorf("期望 1 个缓冲操作，实际为 %d", c.PendingOps())
	}
}

// 持久化状态回放必须得到合并语义上等价的副本。
func TestBytesRoundTrip(t *testing.T) {
	a := crdt.NewText("A")
	a.ApplyLocalInsert(0, "hello world")
	a.ApplyLocalDelete(5, 1)

	// 留一个缓冲操作，确认缓冲也随状态持久化
	b := crdt.NewText("B")
	d1, _ := b.ApplyLocalInsert(0, "z")
	d2, _ := b.ApplyLocalInsert(1, "w")
	if err := a.MergeRemote(d2); err != nil {
		t.Fatalf("合并失败: %v", err)
	}

	data, err := a.Bytes()
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	restored, err := crdt.TextFromBytes(data, "A2")
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}

	if restored.Materialize() != a.Materialize() {
		t.Errorf("恢复后文本不一致: %q != %q", restored.Materialize(), a.Materialize())
	}
	if restored.PendingOps() != a.PendingOps() {
		t.Errorf("缓冲操作未随状态恢复")
	}

	// 恢复后的副本必须还能与保存前缺失的历史合并
	if err := restored.MergeRemote(d1); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if err := a.MergeRemote(d1); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if restored.Materialize() != a.Materialize() {
		t.Errorf("恢复副本与原副本未收敛: %q != %q", restored.Materialize(), a.Materialize())
	}

	// 恢复后继续本地编辑，新 ID 不得与已有 ID 冲突
	if _, err := restored.ApplyLocalInsert(0, "q"); err != nil {
		t.Fatalf("恢复后插入失败: %v", err)
	}
}

func TestMergeUnknownOpKind(t *testing.T) {
	a := crdt.NewText("A")
	err := a.MergeRemote(crdt.Delta{Ops: []crdt.Op{{Kind: crdt.OpKind(99)}}})
	if err == nil {
		t.Errorf("未知操作类型应返回错误")
	}
}

func TestDeltaEncodeDecode(t *testing.T) {
	a := crdt.NewText("A")
	d, _ := a.ApplyLocalInsert(0, "编码")

	data, err := d.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	decoded, err := crdt.DecodeDelta(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	b := crdt.NewText("B")
	if err := b.MergeRemote(decoded); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if got := b.Materialize(); got != "编码" {
		t.Errorf("期望结果为 编码，实际为 %q", got)
	}
}
