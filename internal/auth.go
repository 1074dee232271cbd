package internal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/koopa0/visit-tracker/pkg/errors"
)

// TokenResolver 將 bearer token 解析為使用者 ID。
//
// 追蹤器以「盡力而為」的方式使用它：解析失敗時靜默降級為匿名追蹤，
// 絕不因為憑證過期而讓訪問追蹤失敗。
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (int64, error)
}

// JWTResolver 驗證 HS256 簽章的 JWT 並取出 user_id claim
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver 創建 JWT 解析器
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve 驗證 token 並返回使用者 ID
func (r *JWTResolver) Resolve(ctx context.Context, tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		// 只接受 HMAC 簽章，避免演算法混淆攻擊
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, apperrors.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, apperrors.ErrInvalidToken
	}

	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, apperrors.ErrInvalidToken
		}
		return id, nil
	}

	return 0, apperrors.ErrInvalidToken
}
