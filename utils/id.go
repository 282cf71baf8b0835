package utils

import (
	"github.com/google/uuid"
)

// NewSessionID 生成会话ID
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID 校验客户端带回的会话ID
func ValidSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
