package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// errInvalidToken 表示令牌格式、签名或有效期不合法。调用方不会看到它，
// 解析失败一律以 ok=false 返回。
var errInvalidToken = errors.New("invalid session token")

// tokenSigner 负责会话令牌的签名和验证。
type tokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// tokenClaims 定义会话令牌的声明结构，sub 为 userId。
type tokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (m *tokenSigner) issue(userID, sessionID string, now time.Time) (string, error) {
	claims := tokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   m.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// verify 校验签名与签发方；checkExpiry 为 false 时允许已过期的令牌，
// 供撤销流程使用。时间校验使用注入的 now 而不是库内置的系统时钟。
func (m *tokenSigner) verify(token string, now time.Time, checkExpiry bool) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	var claims tokenClaims
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}); err != nil {
		return nil, errInvalidToken
	}
	if claims.SessionID == "" {
		return nil, errInvalidToken
	}
	if checkExpiry && claims.ExpiresAt != nil && now.Unix() > claims.ExpiresAt.Unix() {
		return nil, errInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return nil, errInvalidToken
	}
	return &claims, nil
}
