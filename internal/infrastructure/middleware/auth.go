package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig carries the node credentials. With both Authorization and
// JWTSecret empty the media surface is open; AdminAuthorization always
// guards the admin surface when set.
type AuthConfig struct {
	Authorization      string
	AdminAuthorization string
	JWTSecret          string
}

// TokenClaims are the JWT claims accepted on the media surface; Streams
// limits the token to specific stream ids (empty means all).
type TokenClaims struct {
	Streams []string `json:"streams,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates the Authorization header against the static node token or
// a JWT signed with the configured secret.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Authorization == "" && cfg.JWTSecret == "" {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, "authorization header required")
			return
		}

		if cfg.Authorization != "" && token == cfg.Authorization {
			c.Next()
			return
		}

		if cfg.JWTSecret != "" {
			claims, err := parseJWT(token, cfg.JWTSecret)
			if err == nil && allowsStream(claims, c.Param("stream")) {
				c.Next()
				return
			}
		}

		abortUnauthorized(c, "invalid token")
	}
}

// AdminAuth guards the admin surface with the dedicated token.
func AdminAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AdminAuthorization == "" {
			c.Next()
			return
		}
		token, ok := bearerToken(c)
		if !ok || token != cfg.AdminAuthorization {
			abortUnauthorized(c, "admin authorization required")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func parseJWT(token, secret string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func allowsStream(claims *TokenClaims, stream string) bool {
	if len(claims.Streams) == 0 || stream == "" {
		return true
	}
	for _, s := range claims.Streams {
		if s == stream || s == "*" {
			return true
		}
	}
	return false
}

func abortUnauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": message})
	c.Abort()
}
