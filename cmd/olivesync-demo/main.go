// 演示：两个客户端通过内存 hub 协同编辑同一个文件
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/arunaabhs/olive_sync/binding"
	"github.com/arunaabhs/olive_sync/presence"
	"github.com/arunaabhs/olive_sync/registry"
	"github.com/arunaabhs/olive_sync/store"
	"github.com/arunaabhs/olive_sync/transport"
)

// consoleSurface 是一个极简的"编辑器缓冲区"，内容直接打到日志
type consoleSurface struct {
	name       string
	content    string
	cursor     presence.Cursor
	changeSubs []func(binding.Change)
	cursorSubs []func(presence.Cursor, *presence.Selection)
}

func (s *consoleSurface) Content() string                { return s.content }
func (s *consoleSurface) Cursor() presence.Cursor        { return s.cursor }
func (s *consoleSurface) Selection() *presence.Selection { return nil }
func (s *consoleSurface) SetCursor(cur presence.Cursor)  { s.cursor = cur }

func (s *consoleSurface) SetContent(text string) {
	s.content = text
	log.Printf("   [%s] 缓冲区 -> %q", s.name, text)
}

func (s *consoleSurface) OnChange(fn func(binding.Change)) (cancel func()) {
	s.changeSubs = append(s.changeSubs, fn)
	return func() { s.changeSubs = nil }
}

func (s *consoleSurface) OnCursorMove(fn func(presence.Cursor, *presence.Selection)) (cancel func()) {
	s.cursorSubs = append(s.cursorSubs, fn)
	return func() { s.cursorSubs = nil }
}

func (s *consoleSurface) typeAt(pos int, text string) {
	r := []rune(s.content)
	s.content = string(r[:pos]) + text + string(r[pos:])
	for _, fn := range s.changeSubs {
		fn(binding.Change{Pos: pos, Inserted: text})
	}
}

func (s *consoleSurface) moveCursor(line, col int) {
	s.cursor = presence.Cursor{Line: line, Column: col}
	for _, fn := range s.cursorSubs {
		fn(s.cursor, nil)
	}
}

type demoIdentity struct{ id, name string }

func (d demoIdentity) UserID() (string, bool) { return d.id, true }
func (d demoIdentity) DisplayName() string    { return d.name }
func (d demoIdentity) Email() (string, bool)  { return "", false }

type client struct {
	name     string
	registry *registry.Registry
	manager  *transport.Manager
	tracker  *presence.Tracker
	binding  *binding.Binding
	surface  *consoleSurface
}

func newClient(name, actor, dbPath string, hub *transport.MemoryHub) *client {
	os.MkdirAll(dbPath, 0755)
	st, err := store.NewBadgerStore(dbPath)
	if err != nil {
		log.Fatal(err)
	}

	m := transport.NewManager(hub, transport.DefaultConfig())
	r, err := registry.New(registry.Config{Store: st, Network: m, Actor: actor})
	if err != nil {
		log.Fatal(err)
	}
	m.SetVersionsProvider(r.Versions)

	session := m.Session("demo-project")
	tr := presence.NewTracker(session.ConnID(), func(st presence.State) {
		msg := &transport.PresenceMessage{
			ConnID:      st.ConnID,
			UserID:      st.UserID,
			DisplayName: st.DisplayName,
			Color:       st.Color,
		}
		if st.Cursor != nil {
			msg.Cursor = &transport.Cursor{Line: st.Cursor.Line, Column: st.Cursor.Column}
		}
		session.SendPresence(msg)
	}, presence.DefaultConfig())
	session.SetPresenceHandler(func(msg *transport.PresenceMessage) {
		st := presence.State{
			ConnID:      msg.ConnID,
			UserID:      msg.UserID,
			DisplayName: msg.DisplayName,
			Color:       msg.Color,
		}
		if msg.Cursor != nil {
			st.Cursor = &presence.Cursor{Line: msg.Cursor.Line, Column: msg.Cursor.Column}
		}
		tr.OnRemoteUpdate(st)
	})
	tr.OnJoin(func(st presence.State) {
		log.Printf("   [%s] 👋 %s 加入 (颜色 %s)", name, st.DisplayName, st.Color)
	})
	tr.OnLeave(func(st presence.State) {
		log.Printf("   [%s] 💨 %s 离开", name, st.DisplayName)
	})
	tr.Start(context.Background())

	return &client{name: name, registry: r, manager: m, tracker: tr}
}

func (c *client) open(identity binding.Identity) {
	h, err := c.registry.GetOrCreate("demo-project", "notes.txt")
	if err != nil {
		log.Fatal(err)
	}
	c.surface = &consoleSurface{name: c.name}
	c.binding = binding.New(identity, c.tracker)
	c.binding.Bind(h, c.surface)
}

func (c *client) close() {
	c.binding.Unbind()
	c.tracker.Stop()
	c.registry.Flush()
	c.manager.CloseAll()
}

func main() {
	hub := transport.NewMemoryHub()

	alice := newClient("Alice", "actor-alice", "./data/demo/alice", hub)
	bob := newClient("Bob", "actor-bob", "./data/demo/bob", hub)

	alice.open(demoIdentity{"alice", "Alice"})
	bob.open(demoIdentity{"bob", "Bob"})
	log.Println("✅ 两个客户端已连接到同一个项目")

	// Alice 先写一行
	log.Println("▶ Alice 输入 \"协同编辑从这里开始\"")
	alice.surface.typeAt(0, "协同编辑从这里开始")
	alice.surface.moveCursor(0, 9)
	waitUntil(func() bool { return bob.surface.Content() == alice.surface.Content() })

	// Bob 在末尾接一句
	log.Println("▶ Bob 在末尾追加 \"，Bob 也在。\"")
	bob.surface.typeAt(len([]rune(bob.surface.Content())), "，Bob 也在。")
	bob.surface.moveCursor(0, 15)
	waitUntil(func() bool { return alice.surface.Content() == bob.surface.Content() })

	log.Printf("✅ 双方收敛: %q", alice.surface.Content())
	for _, peer := range alice.tracker.Peers() {
		if peer.Cursor != nil {
			log.Printf("   Alice 看到的在场成员: %s @ 行 %d 列 %d",
				peer.DisplayName, peer.Cursor.Line, peer.Cursor.Column)
		} else {
			log.Printf("   Alice 看到的在场成员: %s", peer.DisplayName)
		}
	}

	alice.close()
	bob.close()
	log.Println("✅ 演示结束，文档状态已持久化到 ./data/demo")
}

func waitUntil(cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Fatal("❌ 等待收敛超时")
}
