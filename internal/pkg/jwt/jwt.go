package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gitlab-tracker/internal/pkg/config"
	"gitlab-tracker/pkg/responses"
)

// SessionClaims 外部身份提供方签发的会话 Claims，sub 为用户ID
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Validator 校验会话 Token
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator 创建校验器
func NewValidator(cfg *config.JWTConfig) *Validator {
	return &Validator{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// Parse 校验签名、过期时间与签发方
func (v *Validator) Parse(tokenString string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, responses.ErrTokenExpired
		}
		return nil, responses.WithCause(responses.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, responses.ErrInvalidToken
	}
	return claims, nil
}

// Sign 签发会话 Token，用于本地调试与测试
func (v *Validator) Sign(userID, email, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
