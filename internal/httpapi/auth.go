package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var errMalformedAuthHeader = errors.New("authorization header must be 'Bearer <token>'")

func extractBearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errMalformedAuthHeader
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errMalformedAuthHeader
	}
	return token, nil
}

// sessionTokenClaims is the payload of a token minted by POST /session: a
// short-lived credential scoped to one sessionId, an alternative to a
// caller managing its own sessionId alongside the static API key.
type sessionTokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (s *Server) mintSessionToken(sessionID string, ttl time.Duration) (string, error) {
	claims := sessionTokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "isol8",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Server) validateSessionToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionTokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid or expired session token")
	}
	claims, ok := parsed.Claims.(*sessionTokenClaims)
	if !ok || claims.SessionID == "" {
		return "", errors.New("invalid session token claims")
	}
	return claims.SessionID, nil
}

// requireAuth accepts either the static API key or a valid session token
// minted by POST /session. A session token additionally pins the request
// to its sessionId via the gin context, overriding any sessionId supplied
// in the request body.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(401, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			c.JSON(401, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		if s.cfg.APIKey != "" && token == s.cfg.APIKey {
			c.Next()
			return
		}
		if len(s.jwtSecret) > 0 {
			if sid, err := s.validateSessionToken(token); err == nil {
				c.Set("pinnedSessionId", sid)
				c.Next()
				return
			}
		}
		c.JSON(401, gin.H{"error": "invalid bearer token"})
		c.Abort()
	}
}
