package crdt

import "errors"

var (
	// ErrInvalidPosition 表示插入位置超出当前可见文本的边界。
	// 这是文本表面适配层的编程错误，立即返回给调用方，不重试。
	ErrInvalidPosition = errors.New("插入位置超出边界")

	// ErrInvalidRange 表示删除范围超出当前可见文本的边界。
	ErrInvalidRange = errors.New("删除范围超出边界")
)
