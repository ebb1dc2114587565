// Package identity is the adapter to the account/session collaborator:
// it mints and verifies the signed participant tokens that give a
// connection its stable identity. The call core treats the identity as
// an opaque, already-authenticated string.
package identity

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTTL = 24 * time.Hour

// Claims carried in a participant token.
type Claims struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies participant tokens with a shared secret.
type Service struct {
	secret []byte
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Issue mints a token for a fresh participant identity.
func (s *Service) Issue(displayName string) (token, participantID string, err error) {
	participantID = uuid.New().String()

	claims := Claims{
		ParticipantID: participantID,
		DisplayName:   displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign participant token: %w", err)
	}
	return token, participantID, nil
}

// Verify parses a participant token and returns its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse participant token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid participant token claims")
	}
	return claims, nil
}

// IssueRequest is the body for the identity endpoint.
type IssueRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

// IssueResponse is returned with the minted token.
type IssueResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// IssueHandler mints participant tokens for display names supplied by
// the surrounding product's login flow.
func (s *Service) IssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IssueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		token, participantID, err := s.Issue(req.DisplayName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue identity"})
			return
		}
		c.JSON(http.StatusOK, IssueResponse{Token: token, ParticipantID: participantID})
	}
}

// Auth guards HTTP endpoints with a Bearer participant token and stores
// the participant id in the request context.
func (s *Service) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		claims, err := s.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set("participant_id", claims.ParticipantID)
		c.Next()
	}
}
