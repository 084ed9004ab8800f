package store

import "errors"

// ErrKeyNotFound 表示键不存在。各后端把自己的未找到错误映射到它。
var ErrKeyNotFound = errors.New("键不存在")

// Store 定义了底层键值存储的接口。
// 持久化槽位由调用方按 (项目, 文件) 确定性命名，
// 引擎不要求特定的存储介质，只要求读写按键一致且跨进程重启存活。
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Close() error

	// Scan 迭代具有给定前缀的键。
	Scan(prefix []byte, fn func(k, v []byte) error) error
}
