package registry

// Broadcaster 抽象了文档注册表对传输层的全部需求。
// transport.Manager 实现了它；离线或测试场景使用 NoNetwork。
type Broadcaster interface {
	// SendDelta 把一次本地编辑产生的 Delta 入队广播。
	// 实现必须立即返回，绝不阻塞编辑路径。
	SendDelta(project, file string, payload []byte, originActor string)

	// SubscribeProject 注册某个项目的远端 Delta 处理函数。
	// 首次打开该项目的文档时由注册表调用。
	SubscribeProject(project string, onDelta func(file string, payload []byte, originActor string))
}

// NoNetwork 是显式的"无网络"实现。
// 所有发送都被丢弃，文档仅在本地持久化，联网后由远端补齐。
type NoNetwork struct{}

func (NoNetwork) SendDelta(project, file string, payload []byte, originActor string) {}

func (NoNetwork) SubscribeProject(project string, onDelta func(file string, payload []byte, originActor string)) {
}
