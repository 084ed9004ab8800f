package binding

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// Identity 描述本地参与者的身份信息
// 宿主应用从登录态提供实现; UserID/Email 返回 false 表示未登录,
// 此时绑定退化为匿名访客身份, 引擎照常工作
type Identity interface {
	UserID() (string, bool)
	DisplayName() string
	Email() (string, bool)
}

// resolveIdentity 把可能缺失的身份信息归一成稳定的 id 与展示名
func resolveIdentity(identity Identity) (userID, displayName string) {
	guest := uuid.NewString()
	if identity == nil {
		return "anon-" + guest, "Guest-" + guest[:8]
	}
	displayName = identity.DisplayName()
	id, ok := identity.UserID()
	if !ok || id == "" {
		id = "anon-" + guest
		if displayName == "" {
			displayName = "Guest-" + guest[:8]
		}
	}
	return id, displayName
}

// 远程光标的配色盘, 按用户 id 哈希取模, 同一用户在所有端看到同一颜色
var palette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#e5c07b", "#be5046",
}

// ColorFor 根据用户 id 计算确定性的展示颜色
func ColorFor(userID string) string {
	h := fnv.New32a()
	fmt.Fprint(h, userID)
	return palette[h.Sum32()%uint32(len(palette))]
}
