package middleware

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/http/response"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// AuthMiddleware validates the bearer token and attaches the resolved
// principal to the request context. The core trusts the resulting user_id;
// token issuance lives outside this service.
type AuthMiddleware struct {
	log    *logger.Logger
	secret []byte
}

func NewAuthMiddleware(log *logger.Logger) (*AuthMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	return &AuthMiddleware{
		log:    log.With("component", "AuthMiddleware"),
		secret: []byte(secret),
	}, nil
}

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorEnvelope{
				Error: response.APIError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}

		claims := &tokenClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return am.secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorEnvelope{
				Error: response.APIError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil || userID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorEnvelope{
				Error: response.APIError{Message: "token has no usable subject", Code: "unauthorized"},
			})
			return
		}

		role := claims.Role
		if role != domain.RoleAdmin {
			role = domain.RoleUser
		}

		ctx := ctxutil.WithRequestData(c.Request.Context(), &ctxutil.RequestData{
			UserID: userID,
			Role:   role,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// extractToken prefers the Authorization header; the query fallback exists
// for EventSource, which cannot set headers.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return c.Query("token")
}
