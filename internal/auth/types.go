package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// 认证失败的原因。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Subject 是通过认证的租户身份，经由上下文传给请求处理函数。
type Subject struct {
	TenantID string
	Email    string
	Issuer   string
}

// Claims 是访问令牌中携带的声明，租户标识放在 sub 中。
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
