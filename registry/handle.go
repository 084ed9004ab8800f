package registry

import (
	"log"
	"sync"

	"github.com/arunaabhs/olive_sync/crdt"
)

// Handle 是文档的引用计数句柄。
// 持有句柄期间实例保证驻留内存；最后一个句柄释放后实例可被淘汰
// （持久化表示继续存活）。
type Handle struct {
	reg *Registry
	e   *entry

	mu       sync.Mutex
	released bool
}

// Key 返回句柄指向的文档键。
func (h *Handle) Key() Key {
	return h.e.key
}

// Materialize 返回当前可见文本。
func (h *Handle) Materialize() string {
	return h.reg.textOf(h.e).Materialize()
}

// Len 返回可见字符数。
func (h *Handle) Len() int {
	return h.reg.textOf(h.e).Len()
}

// Version 返回文档的版本向量。
func (h *Handle) Version() crdt.VersionVector {
	return h.reg.textOf(h.e).Version()
}

// Insert 应用一次本地插入：立即改变本地状态，
// 异步广播 Delta 并安排持久化保存，二者都不阻塞调用方。
// origin 会原样出现在变更通知里，调用方用它识别自己的编辑。
func (h *Handle) Insert(origin string, pos int, text string) error {
	return h.applyLocal(origin, func(t *crdt.Text) (crdt.Delta, error) {
		return t.ApplyLocalInsert(pos, text)
	})
}

// Delete 应用一次本地删除，语义与 Insert 相同。
func (h *Handle) Delete(origin string, pos, length int) error {
	return h.applyLocal(origin, func(t *crdt.Text) (crdt.Delta, error) {
		return t.ApplyLocalDelete(pos, length)
	})
}

func (h *Handle) applyLocal(origin string, mutate func(*crdt.Text) (crdt.Delta, error)) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrReleased
	}
	h.mu.Unlock()

	r := h.reg
	delta, err := mutate(r.textOf(h.e))
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}

	if payload, err := delta.Encode(); err != nil {
		log.Printf("[Registry] 编码 Delta 失败 (%s): %v", h.e.key, err)
	} else {
		r.network.SendDelta(h.e.key.Project, h.e.key.File, payload, r.actor)
	}
	r.scheduleSave(h.e)
	r.notify(h.e, origin)
	return nil
}

// OnChange 注册变更监听，返回取消函数。
// 监听随句柄释放或显式取消而失效，不会悬挂。
func (h *Handle) OnChange(fn Listener) (cancel func()) {
	r := h.reg
	r.mu.Lock()
	id := h.e.nextID
	h.e.nextID++
	h.e.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(h.e.listeners, id)
		r.mu.Unlock()
	}
}

// ListenerCount 返回文档当前注册的监听数量（测试用）。
func (h *Handle) ListenerCount() int {
	r := h.reg
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(h.e.listeners)
}

// Release 递减引用计数；计数归零时淘汰内存实例。
// 重复调用是无操作。已经应用的编辑的在途保存和发送不受影响。
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	r := h.reg
	r.mu.Lock()
	h.e.refs--
	if h.e.refs <= 0 {
		delete(r.docs, h.e.key)
	}
	r.mu.Unlock()
}
