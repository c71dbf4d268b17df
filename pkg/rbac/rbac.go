package rbac

import (
	"os"
	"strings"
)

// 权限常量
const (
	// 敏感操作权限
	PermissionSimulateNotification = "notification:simulate"
	PermissionReplayOutbox         = "outbox:replay"

	// 普通操作权限
	PermissionReadInbox   = "inbox:read"
	PermissionMutateInbox = "inbox:mutate"
)

// 角色常量
const (
	RoleRecipient = "recipient"
	RoleAdmin     = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleRecipient: {
		PermissionReadInbox,
		PermissionMutateInbox,
		PermissionSimulateNotification,
	},
	RoleAdmin: {
		PermissionReadInbox,
		PermissionMutateInbox,
		PermissionSimulateNotification,
		PermissionReplayOutbox,
	},
}

// GetRole 获取收件人角色
// 管理员列表通过 INBOX_ADMIN_IDS 下发（逗号分隔）
// TODO: 接入 HRMS 身份服务的角色下发
func GetRole(recipientID string) string {
	for _, id := range strings.Split(os.Getenv("INBOX_ADMIN_IDS"), ",") {
		if id != "" && strings.TrimSpace(id) == recipientID {
			return RoleAdmin
		}
	}
	return RoleRecipient
}

// HasPermission 检查收件人是否有指定权限
func HasPermission(recipientID string, permission string) bool {
	role := GetRole(recipientID)
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查收件人是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(recipientID string, permission string) error {
	if !HasPermission(recipientID, permission) {
		return &PermissionDeniedError{
			RecipientID: recipientID,
			Permission:  permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	RecipientID string
	Permission  string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
