package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

const (
	defaultAccessTokenExpire  = 2 * time.Hour
	defaultRefreshTokenExpire = 7 * 24 * time.Hour
)

// UserClaims 用户Claims
type UserClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	Type     string `json:"type"` // access or refresh
	jwt.RegisteredClaims
}

// Manager 签发与校验 HS256 Token
type Manager struct {
	secret        []byte
	accessExpire  time.Duration
	refreshExpire time.Duration
	now           func() time.Time
}

// NewManager 过期时间未配置时使用默认值
func NewManager(cfg config.JWTConfig) *Manager {
	m := &Manager{
		secret:        []byte(cfg.Secret),
		accessExpire:  time.Duration(cfg.AccessTokenExpire) * time.Second,
		refreshExpire: time.Duration(cfg.RefreshTokenExpire) * time.Second,
		now:           time.Now,
	}
	if m.accessExpire <= 0 {
		m.accessExpire = defaultAccessTokenExpire
	}
	if m.refreshExpire <= 0 {
		m.refreshExpire = defaultRefreshTokenExpire
	}
	return m
}

// AccessTokenExpire 访问Token有效期
func (m *Manager) AccessTokenExpire() time.Duration {
	return m.accessExpire
}

// GenerateAccessToken 生成访问Token
func (m *Manager) GenerateAccessToken(user *model.User) (string, error) {
	return m.generate(user, constants.JWTTypeAccess, m.accessExpire)
}

// GenerateRefreshToken 生成刷新Token
func (m *Manager) GenerateRefreshToken(user *model.User) (string, error) {
	return m.generate(user, constants.JWTTypeRefresh, m.refreshExpire)
}

func (m *Manager) generate(user *model.User, tokenType string, expire time.Duration) (string, error) {
	now := m.now()
	claims := UserClaims{
		UserID:   user.ID,
		Username: user.Username,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(expire)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ParseToken 解析Token
func (m *Manager) ParseToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgErrors.ErrTokenExpired
		}
		return nil, pkgErrors.Wrap(pkgErrors.CodeUnauthorized, "解析Token失败", err)
	}

	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, pkgErrors.ErrInvalidToken
}

// ValidateToken 校验Token并检查类型
func (m *Manager) ValidateToken(tokenString, tokenType string) (*UserClaims, error) {
	claims, err := m.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenType {
		return nil, pkgErrors.ErrInvalidToken
	}
	return claims, nil
}
