// Package binding 把编辑表面(编辑器缓冲区)与共享文档句柄粘合在一起:
// 本地编辑流入文档并广播, 远程变更回流到表面, 光标位置走在场通道。
// 绑定层不理解合并语义, 只做桥接与回声抑制。
package binding

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/arunaabhs/olive_sync/presence"
	"github.com/arunaabhs/olive_sync/registry"
)

// Change 描述编辑表面上的一次局部修改
// 位置与长度均以 rune 计
type Change struct {
	Pos        int    // 修改起点
	DeletedLen int    // 先删除的长度, 可以为 0
	Inserted   string // 再插入的文本, 可以为空
}

// Surface 是编辑器缓冲区的最小抽象
// SetContent / SetCursor 是程序性写入, 不得回触 OnChange / OnCursorMove,
// 否则远程变更回放会形成事件循环
// OnChange / OnCursorMove 返回取消函数, 解绑时必须调用, 否则产生悬挂监听
type Surface interface {
	Content() string
	SetContent(text string)
	Cursor() presence.Cursor
	Selection() *presence.Selection
	SetCursor(cur presence.Cursor)
	OnChange(fn func(Change)) (cancel func())
	OnCursorMove(fn func(cur presence.Cursor, sel *presence.Selection)) (cancel func())
}

// Binding 把一个 Surface 绑定到一个文档句柄上
// 每个 Binding 持有独立的 origin id, 用于区分自己写入的变更与远程变更
type Binding struct {
	origin      string
	userID      string
	displayName string
	color       string
	tracker     *presence.Tracker

	mu       sync.Mutex
	handle   *registry.Handle
	surface  Surface
	cancels  []func()
	applying bool // 正在把远程状态写回表面, 期间的表面事件是回声
	unbound  bool
}

// New 创建绑定
// identity 为 nil 或未登录时退化为匿名访客身份
// tracker 可以为 nil, 此时不发布光标
func New(identity Identity, tracker *presence.Tracker) *Binding {
	userID, displayName := resolveIdentity(identity)
	return &Binding{
		origin:      uuid.NewString(),
		userID:      userID,
		displayName: displayName,
		color:       ColorFor(userID),
		tracker:     tracker,
	}
}

// Origin 返回本绑定的来源 id
func (b *Binding) Origin() string { return b.origin }

// Color 返回本参与者的展示颜色
func (b *Binding) Color() string { return b.color }

// Bind 把句柄与表面接上
// 已有绑定时先完整拆除再重建, 因此重复 Bind 不会累积监听器
// 绑定瞬间用文档当前内容覆盖表面, 文档是唯一的事实来源
func (b *Binding) Bind(h *registry.Handle, s Surface) {
	b.mu.Lock()
	b.detachLocked()
	b.unbound = false
	b.handle = h
	b.surface = s

	b.applying = true
	s.SetContent(h.Materialize())
	b.applying = false

	cancelDoc := h.OnChange(b.onDocChange)
	cancelEdit := s.OnChange(b.onSurfaceChange)
	cancelCursor := s.OnCursorMove(b.onCursorMove)
	b.cancels = []func(){cancelDoc, cancelEdit, cancelCursor}
	b.mu.Unlock()

	// 让其他人立刻看到新加入者的光标
	b.onCursorMove(s.Cursor(), s.Selection())
}

// Rebind 把当前句柄切换到新的表面
// 旧表面先完整拆除, 新旧表面绝不同时挂着监听
// 尚未绑定过时是无操作
func (b *Binding) Rebind(s Surface) {
	b.mu.Lock()
	h := b.handle
	unbound := b.unbound
	b.mu.Unlock()
	if h == nil || unbound {
		return
	}
	b.Bind(h, s)
}

// Unbind 拆除绑定并释放句柄, 可重复调用
// 释放后句柄不可再用, 下次需要重新从 registry 获取
func (b *Binding) Unbind() {
	b.mu.Lock()
	if b.unbound {
		b.mu.Unlock()
		return
	}
	b.unbound = true
	b.detachLocked()
	h := b.handle
	b.handle = nil
	b.surface = nil
	b.mu.Unlock()

	if h != nil {
		h.Release()
	}
}

func (b *Binding) detachLocked() {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}

// onSurfaceChange 把本地编辑写进文档
// 删除先于插入, 对应编辑器里选中替换的语义
func (b *Binding) onSurfaceChange(ch Change) {
	b.mu.Lock()
	if b.applying || b.handle == nil {
		b.mu.Unlock()
		return
	}
	h := b.handle
	b.mu.Unlock()

	if ch.DeletedLen > 0 {
		if err := h.Delete(b.origin, ch.Pos, ch.DeletedLen); err != nil {
			log.Printf("[Binding] 本地删除入档失败: %v", err)
			b.resync()
			return
		}
	}
	if ch.Inserted != "" {
		if err := h.Insert(b.origin, ch.Pos, ch.Inserted); err != nil {
			log.Printf("[Binding] 本地插入入档失败: %v", err)
			b.resync()
			return
		}
	}
}

// onDocChange 把远程变更写回表面
// origin 是自己时说明这次变更由 onSurfaceChange 发起, 表面已是最新, 跳过
func (b *Binding) onDocChange(origin string) {
	if origin == b.origin {
		return
	}
	b.resync()
}

// resync 用文档内容覆盖表面, 并把光标放回原处
func (b *Binding) resync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil || b.surface == nil {
		return
	}
	cur := b.surface.Cursor()
	b.applying = true
	b.surface.SetContent(b.handle.Materialize())
	b.surface.SetCursor(cur)
	b.applying = false
}

// onCursorMove 把本地光标交给在场追踪器, 由它合并节流后发布
func (b *Binding) onCursorMove(cur presence.Cursor, sel *presence.Selection) {
	if b.tracker == nil {
		return
	}
	c := cur
	b.tracker.PublishLocal(presence.State{
		UserID:      b.userID,
		DisplayName: b.displayName,
		Color:       b.color,
		Cursor:      &c,
		Selection:   sel,
	})
}
