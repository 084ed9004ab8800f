package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Text 是一个可复制的文本序列（RGA 变体）。
// 每个 (项目, 文件) 对应一个实例。所有副本应用同一组操作后，
// 无论到达顺序如何，Materialize 的结果都逐字节相同。
type Text struct {
	mu       sync.RWMutex
	actor    string
	counter  uint64       // 本地逻辑计数器，合并时提升到观察到的最大值
	head     *node        // 虚拟头节点
	vertices map[ID]*node // ID -> 节点的映射，用于快速查找和幂等检查
	pending  map[ID][]Op  // 因果前驱尚未到达的操作（因果缓冲）
	version  VersionVector
	visible  int // 非墓碑节点数量
}

type node struct {
	id        ID
	r         rune
	tombstone bool
	next      *node
}

// NewText 创建一个空的文本序列。
// actor 必须在每个已连接会话内唯一（不是每个用户——
// 同一用户的两个标签页是两个 actor）。
func NewText(actor string) *Text {
	head := &node{}
	t := &Text{
		actor:    actor,
		head:     head,
		vertices: make(map[ID]*node),
		pending:  make(map[ID][]Op),
		version:  NewVersionVector(),
	}
	t.vertices[head.id] = head
	return t
}

// Actor 返回本副本的 actor 标识。
func (t *Text) Actor() string {
	return t.actor
}

// ApplyLocalInsert 在可见位置 pos 处插入 text，立即生效（本地优先），
// 并返回可广播的 Delta。pos 以 rune 计，合法范围是 [0, Len]。
func (t *Text) ApplyLocalInsert(pos int, text string) (Delta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos < 0 || pos > t.visible {
		return Delta{}, fmt.Errorf("%w: pos=%d, len=%d", ErrInvalidPosition, pos, t.visible)
	}
	if text == "" {
		return Delta{}, nil
	}

	// 前驱：可见索引 pos-1 处的节点；pos==0 时为头节点。
	prev := t.nodeBeforeVisible(pos)

	ops := make([]Op, 0, len(text))
	curr := prev
	prevID := prev.id
	for _, r := range text {
		t.counter++
		id := ID{Counter: t.counter, Actor: t.actor}

		// 本地插入直接链接在前驱之后。新计数器严格大于所有
		// 已观察到的计数器，因此与远端按整合规则得到的位置一致。
		n := &node{id: id, r: r, next: curr.next}
		curr.next = n
		t.vertices[id] = n
		t.version.Observe(id.Actor, id.Counter)
		t.visible++

		ops = append(ops, Op{Kind: OpInsert, ID: id, Prev: prevID, Rune: r})
		prevID = id
		curr = n
	}
	return Delta{Ops: ops}, nil
}

// ApplyLocalDelete 将 [pos, pos+length) 范围内的可见字符标记为墓碑。
// length == 0 返回空 Delta。范围越界返回 ErrInvalidRange。
func (t *Text) ApplyLocalDelete(pos, length int) (Delta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos < 0 || length < 0 || pos+length > t.visible {
		return Delta{}, fmt.Errorf("%w: pos=%d, length=%d, len=%d", ErrInvalidRange, pos, length, t.visible)
	}
	if length == 0 {
		return Delta{}, nil
	}

	ops := make([]Op, 0, length)
	curr := t.nodeBeforeVisible(pos).next
	for len(ops) < length {
		// 范围检查保证可见节点足够，墓碑节点跳过。
		if !curr.tombstone {
			curr.tombstone = true
			t.visible--
			ops = append(ops, Op{Kind: OpDelete, Target: curr.id})
		}
		curr = curr.next
	}
	return Delta{Ops: ops}, nil
}

// MergeRemote 整合任意副本产生的 Delta。
// 以任何到达顺序应用任意多次都是安全的（幂等）；
// 因果前驱尚未到达的操作会被缓冲，待依赖到达后整合。
// 仅当操作在结构上无效（编解码缺陷）时返回错误，
// 调用方应将其视为该文档的致命错误。
func (t *Text) MergeRemote(delta Delta) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, op := range delta.Ops {
		if err := t.integrate(op); err != nil {
			return err
		}
	}
	return nil
}

func (t *Text) integrate(op Op) error {
	switch op.Kind {
	case OpInsert:
		if op.ID.IsZero() {
			return fmt.Errorf("插入操作缺少 ID")
		}
		if _, exists := t.vertices[op.ID]; exists {
			return nil // 已经应用过（幂等性）
		}
		prev, ok := t.vertices[op.Prev]
		if !ok {
			t.pending[op.Prev] = append(t.pending[op.Prev], op)
			return nil
		}
		t.insertAfter(prev, op)
		return t.flushPending(op.ID)

	case OpDelete:
		n, ok := t.vertices[op.Target]
		if !ok {
			t.pending[op.Target] = append(t.pending[op.Target], op)
			return nil
		}
		if !n.tombstone {
			n.tombstone = true
			t.visible--
		}
		return nil

	default:
		return fmt.Errorf("未知的操作类型 %d", op.Kind)
	}
}

// insertAfter 按整合规则把 op 插入 prev 之后：
// 跳过所有应排在新节点之前的后继（见 ID.precedes），
// 保证所有副本得到相同的最终顺序。
func (t *Text) insertAfter(prev *node, op Op) {
	curr := prev
	for curr.next != nil && curr.next.id.precedes(op.ID) {
		curr = curr.next
	}

	n := &node{id: op.ID, r: op.Rune, next: curr.next}
	curr.next = n
	t.vertices[op.ID] = n
	t.visible++

	if op.ID.Counter > t.counter {
		t.counter = op.ID.Counter
	}
	t.version.Observe(op.ID.Actor, op.ID.Counter)
}

// flushPending 整合等待 id 的已缓冲操作。
func (t *Text) flushPending(id ID) error {
	waiting, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	for _, op := range waiting {
		if err := t.integrate(op); err != nil {
			return err
		}
	}
	return nil
}

// Materialize 返回当前可见文本。
// 对同一组已观察操作，结果与合并顺序无关。
func (t *Text) Materialize() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	for curr := t.head.next; curr != nil; curr = curr.next {
		if !curr.tombstone {
			b.WriteRune(curr.r)
		}
	}
	return b.String()
}

// Len 返回可见字符数（以 rune 计）。
func (t *Text) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.visible
}

// Version 返回已观察操作的版本向量副本。
func (t *Text) Version() VersionVector {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version.Clone()
}

// PendingOps 返回因果缓冲中尚未整合的操作数量。
func (t *Text) PendingOps() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, ops := range t.pending {
		n += len(ops)
	}
	return n
}

// nodeBeforeVisible 返回可见索引 pos 前面的节点（pos==0 时为头节点）。
// 调用方必须持有写锁并保证 pos 在边界内。
func (t *Text) nodeBeforeVisible(pos int) *node {
	curr := t.head
	for seen := 0; seen < pos; {
		curr = curr.next
		if !curr.tombstone {
			seen++
		}
	}
	return curr
}

// savedNode 是持久化状态中的一个节点（按链表顺序）。
type savedNode struct {
	ID        ID   `msgpack:"i"`
	Rune      rune `msgpack:"r"`
	Tombstone bool `msgpack:"d"`
}

// savedState 是完整的可合并状态：包含墓碑和因果缓冲，
// 而不是可见文本的扁平快照，离线编辑后仍可与远端历史合并。
type savedState struct {
	Nodes   []savedNode `msgpack:"n"`
	Pending []Op        `msgpack:"p"`
}

// Bytes 返回序列化后的完整可合并状态。
func (t *Text) Bytes() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := savedState{Nodes: make([]savedNode, 0, len(t.vertices))}
	for curr := t.head.next; curr != nil; curr = curr.next {
		st.Nodes = append(st.Nodes, savedNode{ID: curr.id, Rune: curr.r, Tombstone: curr.tombstone})
	}
	for _, ops := range t.pending {
		st.Pending = append(st.Pending, ops...)
	}

	data, err := msgpack.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("序列化文本状态失败: %w", err)
	}
	return data, nil
}

// TextFromBytes 从持久化状态恢复文本序列。
// actor 是恢复后本副本使用的新会话标识；
// 恢复出的实例与保存时的实例在合并语义上等价。
func TextFromBytes(data []byte, actor string) (*Text, error) {
	var st savedState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("反序列化文本状态失败: %w", err)
	}

	t := NewText(actor)
	curr := t.head
	for _, sn := range st.Nodes {
		n := &node{id: sn.ID, r: sn.Rune, tombstone: sn.Tombstone}
		curr.next = n
		curr = n
		t.vertices[sn.ID] = n
		if !sn.Tombstone {
			t.visible++
		}
		if sn.ID.Counter > t.counter {
			t.counter = sn.ID.Counter
		}
		t.version.Observe(sn.ID.Actor, sn.ID.Counter)
	}
	for _, op := range st.Pending {
		if err := t.integrate(op); err != nil {
			return nil, err
		}
	}
	return t, nil
}
