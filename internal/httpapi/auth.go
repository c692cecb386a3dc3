package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authClaimsKey       = "auth_claims"
	bearerPrefix        = "bearer "
	messageUnauthorized = "Authentication required."
)

var errMissingBearerToken = errors.New("missing bearer token")

// Claims are the verified token claims supplied by the auth collaborator.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity returns the authenticated user id, falling back to the subject.
func (claims *Claims) Identity() (unlock.UserID, error) {
	if strings.TrimSpace(claims.UserID) != "" {
		return unlock.NewUserID(claims.UserID)
	}
	return unlock.NewUserID(claims.Subject)
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	signingKey []byte
	parser     *jwt.Parser
}

// NewTokenVerifier builds a verifier for tokens issued by issuer.
func NewTokenVerifier(signingKey string, issuer string) (*TokenVerifier, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("jwt signing key is required")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if strings.TrimSpace(issuer) != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	return &TokenVerifier{signingKey: []byte(signingKey), parser: jwt.NewParser(options...)}, nil
}

// Verify parses rawToken and returns its claims.
func (verifier *TokenVerifier) Verify(rawToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := verifier.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		return verifier.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := claims.Identity(); err != nil {
		return nil, err
	}
	return claims, nil
}

// GinMiddleware rejects requests without a valid bearer token and stores the claims.
func (verifier *TokenVerifier) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		rawToken, err := bearerToken(ctx.GetHeader("Authorization"))
		if err == nil {
			var claims *Claims
			claims, err = verifier.Verify(rawToken)
			if err == nil {
				ctx.Set(authClaimsKey, claims)
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(messageUnauthorized))
	}
}

func bearerToken(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) <= len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return "", errMissingBearerToken
	}
	return strings.TrimSpace(trimmed[len(bearerPrefix):]), nil
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}
