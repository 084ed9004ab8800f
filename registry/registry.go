package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/arunaabhs/olive_sync/crdt"
	"github.com/arunaabhs/olive_sync/store"
)

// OriginRemote 是远端合并触发的变更通知所携带的来源标签。
// 本地编辑的通知携带调用方传入的来源（通常是绑定的标识），
// 绑定层据此跳过自己发起的变更，避免回声。
const OriginRemote = "remote"

// ErrReleased 表示句柄已经释放。
var ErrReleased = errors.New("句柄已释放")

// Key 标识一个逻辑共享文档。
// 文件被删除后重建同名文件必须铸造新的标识：
// Remove 会清掉持久化槽位，下次打开从空状态开始。
type Key struct {
	Project string
	File    string
}

func (k Key) String() string {
	return k.Project + "/" + k.File
}

// Listener 接收文档变更通知。origin 标识变更来源。
type Listener func(origin string)

// Config 配置注册表。
type Config struct {
	// Store 是必需的本地持久化后端。
	Store store.Store
	// Network 可选，默认 NoNetwork。
	Network Broadcaster
	// Actor 可选，默认生成一个新的会话标识。
	// 每个已连接会话一个 actor，不是每个用户一个。
	Actor string
}

// Registry 把 (项目, 文件) 映射到唯一的共享文本实例，
// 是唯一允许创建和淘汰实例的所有者。
// 同一个键的多个句柄（例如同一文件打开在两个窗格）共享同一实例。
type Registry struct {
	mu         sync.RWMutex
	store      store.Store
	network    Broadcaster
	actor      string
	docs       map[Key]*entry
	subscribed map[string]bool

	saveWG sync.WaitGroup
}

type entry struct {
	key       Key
	text      *crdt.Text
	refs      int
	listeners map[int]Listener
	nextID    int

	// saveMu 串行化该文档的异步保存，保证后写的总是最新状态。
	saveMu sync.Mutex
	dirty  bool
}

// New 创建注册表。显式构造、显式生命周期，没有包级全局状态，
// 因此测试可以创建多个相互独立的实例并确定性地销毁。
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("必须提供 Store")
	}
	if cfg.Network == nil {
		cfg.Network = NoNetwork{}
	}
	if cfg.Actor == "" {
		cfg.Actor = uuid.NewString()
	}
	return &Registry{
		store:      cfg.Store,
		network:    cfg.Network,
		actor:      cfg.Actor,
		docs:       make(map[Key]*entry),
		subscribed: make(map[string]bool),
	}, nil
}

// Actor 返回本会话的 actor 标识。
func (r *Registry) Actor() string {
	return r.actor
}

// GetOrCreate 返回 (project, file) 的共享句柄。
// 首次打开会从持久化槽位水合（存在则恢复，否则从空开始），
// 并在该项目尚未订阅时订阅其传输会话。
func (r *Registry) GetOrCreate(project, file string) (*Handle, error) {
	key := Key{Project: project, File: file}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.docs[key]; ok {
		e.refs++
		return &Handle{reg: r, e: e}, nil
	}

	e := &entry{
		key:       key,
		text:      r.hydrate(key),
		refs:      1,
		listeners: make(map[int]Listener),
	}
	r.docs[key] = e

	if !r.subscribed[project] {
		r.subscribed[project] = true
		r.network.SubscribeProject(project, func(file string, payload []byte, origin string) {
			r.onRemoteDelta(project, file, payload, origin)
		})
	}
	return &Handle{reg: r, e: e}, nil
}

// OpenCount 返回当前驻留内存的文档数量。
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Versions 返回某个项目所有已打开文档的版本向量，
// 供传输会话在握手时上报，让服务端回放错过的远端历史。
func (r *Registry) Versions(project string) map[string]crdt.VersionVector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]crdt.VersionVector)
	for key, e := range r.docs {
		if key.Project == project {
			out[key.File] = e.text.Version()
		}
	}
	return out
}

// Remove 删除文档的持久化槽位并淘汰内存实例。
// 之后用同名键打开会得到全新的标识，绝不复用旧历史。
func (r *Registry) Remove(project, file string) error {
	key := Key{Project: project, File: file}

	r.mu.Lock()
	delete(r.docs, key)
	r.mu.Unlock()

	return r.store.Delete(slotKey(key))
}

// Flush 等待所有在途的异步保存完成。用于进程关闭和测试。
func (r *Registry) Flush() {
	r.saveWG.Wait()
}

// onRemoteDelta 把远端 Delta 路由到对应文档并合并。
// 未打开的文档直接忽略：打开时的水合加上握手回放会补齐历史。
func (r *Registry) onRemoteDelta(project, file string, payload []byte, origin string) {
	if origin == r.actor {
		return // 自己广播的回声
	}

	key := Key{Project: project, File: file}
	r.mu.RLock()
	e := r.docs[key]
	r.mu.RUnlock()
	if e == nil {
		return
	}

	delta, err := crdt.DecodeDelta(payload)
	if err != nil {
		log.Printf("[Registry] 丢弃无法解码的 Delta (%s): %v", key, err)
		return
	}

	if err := r.textOf(e).MergeRemote(delta); err != nil {
		// 按设计合并是全量的，走到这里说明编解码有缺陷。
		// 视为该文档的致命错误：从最近的已知良好状态重建，绝不静默忽略。
		log.Printf("[Registry] ⚠️ 文档 %s 合并失败，正在从持久化状态重建: %v", key, err)
		r.reinitialize(e)
	} else {
		r.scheduleSave(e)
	}
	r.notify(e, OriginRemote)
}

// hydrate 从持久化槽位恢复文档状态。
// 持久化是尽力而为的离线续航手段，任何读取失败都降级为空文档并记录日志
// （联网后远端仍是权威来源）。
func (r *Registry) hydrate(key Key) *crdt.Text {
	data, err := r.store.Get(slotKey(key))
	if errors.Is(err, store.ErrKeyNotFound) {
		return crdt.NewText(r.actor)
	}
	if err != nil {
		log.Printf("[Registry] 读取持久化状态失败 (%s)，从空状态开始: %v", key, err)
		return crdt.NewText(r.actor)
	}

	text, err := crdt.TextFromBytes(data, r.actor)
	if err != nil {
		log.Printf("[Registry] 持久化状态损坏 (%s)，从空状态开始: %v", key, err)
		return crdt.NewText(r.actor)
	}
	return text
}

// reinitialize 用最近一次成功持久化的状态替换损坏的文档实例。
func (r *Registry) reinitialize(e *entry) {
	fresh := r.hydrate(e.key)
	r.mu.Lock()
	e.text = fresh
	r.mu.Unlock()
}

func (r *Registry) textOf(e *entry) *crdt.Text {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.text
}

// scheduleSave 安排一次异步的尽力而为保存。
// 绝不阻塞编辑路径；失败只记日志，下次变更自然重试。
// 每个文档的保存串行化，且在锁内重新取最新状态快照，
// 因此并发保存总是后写最新（存储层 last-writer-wins）。
func (r *Registry) scheduleSave(e *entry) {
	r.saveWG.Add(1)
	go func() {
		defer r.saveWG.Done()

		e.saveMu.Lock()
		defer e.saveMu.Unlock()

		data, err := r.textOf(e).Bytes()
		if err != nil {
			log.Printf("[Registry] 序列化文档 %s 失败: %v", e.key, err)
			return
		}
		if err := r.store.Set(slotKey(e.key), data); err != nil {
			e.dirty = true
			log.Printf("[Registry] 持久化写入失败 (%s)，将在下次变更时重试: %v", e.key, err)
			return
		}
		if e.dirty {
			e.dirty = false
			log.Printf("[Registry] 文档 %s 持久化重试成功", e.key)
		}
	}()
}

func (r *Registry) notify(e *entry, origin string) {
	r.mu.RLock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(origin)
	}
}

func slotKey(key Key) []byte {
	return []byte("doc/" + key.Project + "/" + key.File)
}
