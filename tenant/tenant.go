// Package tenant 提供租戶範圍的識別值，所有出價相關的呼叫都必須明確地傳入。
package tenant

import (
	"errors"
	"strings"
)

var ErrMissingTenant = errors.New("tenant id is empty")

// Context 代表目前請求所屬的租戶
// NOTE: 這是一個值型別，必須透過參數傳遞，不放在 context.Context 或全域變數中
type Context struct {
	TenantID string
}

// New 建立租戶範圍，空白ID會被拒絕
func New(id string) (Context, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Context{}, ErrMissingTenant
	}
	return Context{TenantID: id}, nil
}

// Owns 判斷資源的租戶是否與目前範圍相同
func (c Context) Owns(tenantID string) bool {
	return c.TenantID != "" && c.TenantID == tenantID
}

func (c Context) String() string {
	return c.TenantID
}
