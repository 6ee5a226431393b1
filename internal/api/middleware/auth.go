package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"gitlab-tracker/internal/pkg/jwt"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
)

// AuthMiddleware JWT认证中间件，用户ID写入 context
func AuthMiddleware(validator *jwt.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(constants.HeaderAuthorization)
		if authHeader == "" {
			responses.ErrorWithCode(c, responses.CodeUnauthorized, "缺少Authorization Header")
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, constants.HeaderBearerPrefix) {
			responses.ErrorWithCode(c, responses.CodeUnauthorized, "Authorization格式错误")
			c.Abort()
			return
		}

		claims, err := validator.Parse(strings.TrimPrefix(authHeader, constants.HeaderBearerPrefix))
		if err != nil {
			responses.Error(c, err)
			c.Abort()
			return
		}

		c.Set(constants.ContextKeyUserID, claims.Subject)
		c.Set(constants.ContextKeyEmail, claims.Email)
		c.Set(constants.ContextKeyName, claims.Name)

		c.Next()
	}
}

// UserID 当前请求的用户ID
func UserID(c *gin.Context) string {
	return c.GetString(constants.ContextKeyUserID)
}
