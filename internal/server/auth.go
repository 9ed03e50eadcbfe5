package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/eventsync/internal/engine"
)

// AnonymousUser is the user_id of requests when auth is disabled.
const AnonymousUser = "anonymous"

const claimsKey = "eventsync.claims"

// Claims are the JWT claims accepted by the server. The subject is the
// user id handed to reducers.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for userID valid for ttl.
func SignToken(secret, userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies tokenString against secret and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// authMiddleware requires a valid bearer token, taken from the
// Authorization header or, for websocket handshakes, the token query
// parameter. An empty secret disables auth.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		tokenString := extractBearer(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// claimsFrom returns the verified claims of the request, or nil.
func claimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// requestExtraArgs builds the per-dispatch extra args of an HTTP request.
func requestExtraArgs(c *gin.Context) engine.ExtraArgs {
	extra := engine.ExtraArgs{
		"ip":      c.ClientIP(),
		"user_id": AnonymousUser,
	}
	if claims := claimsFrom(c); claims != nil {
		extra["user_id"] = claims.Subject
		extra["jwt"] = claims
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		extra["authorization"] = auth
	}
	return extra
}
