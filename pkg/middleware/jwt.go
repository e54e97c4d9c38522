package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer はこのサービスが発行・受理するJWTの発行者名。
const tokenIssuer = "leadrelay"

// defaultTokenTTL は GenerateJWT が発行するトークンの有効期間。
const defaultTokenTTL = 24 * time.Hour

// ginコンテキストに認証済み主体を保存するキー。
const (
	contextKeyUserID   = "user_id"
	contextKeyTenantID = "tenant_id"
	contextKeyRole     = "role"
)

// JWTClaims は配信先登録APIで受け付けるJWTのクレーム。
// 配信先はユーザーとテナントの組に紐づくため、両方を必須とする。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// TenantID はユーザーが所属するテナントの識別子。
	TenantID string `json:"tenant_id"`
	// Role はテナント内でのユーザーのロール（ADMIN / EMPLOYEE）。
	Role string `json:"role,omitempty"`
}

// Subject はリクエストを行った認証済みの主体。
type Subject struct {
	UserID   string
	TenantID string
	Role     string
}

// GenerateJWT は主体の情報から署名済みのJWTを生成する。
// 本番では認証基盤が発行したトークンを使うため、主に運用ツールとテストで使用する。
func GenerateJWT(secret string, sub Subject) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(defaultTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID:   sub.UserID,
		TenantID: sub.TenantID,
		Role:     sub.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// HS256以外の署名、発行者の不一致、ユーザーIDまたはテナントIDの欠落は401とする。
// 検証に成功した場合、コンテキストに主体の情報を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || strings.TrimSpace(tokenString) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}
		if claims.UserID == "" || claims.TenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンにユーザーIDまたはテナントIDがありません",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyTenantID, claims.TenantID)
		c.Set(contextKeyRole, claims.Role)
		c.Next()
	}
}

// GetSubject はGinコンテキストから認証済みの主体を取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetSubject(c *gin.Context) Subject {
	return Subject{
		UserID:   c.GetString(contextKeyUserID),
		TenantID: c.GetString(contextKeyTenantID),
		Role:     c.GetString(contextKeyRole),
	}
}
