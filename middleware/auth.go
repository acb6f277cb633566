package middleware

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	model "github.com/pecha-tools/annotation-backend/models"
	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"
)

const currentUserKey = "currentUser"

// TokenVerifier turns a bearer token into verified identity claims. The real
// implementation fronts the external identity provider; this core only
// depends on the interface.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*services.IdentityClaims, error)
}

// VerifierFunc adapts a function to the TokenVerifier interface.
type VerifierFunc func(ctx context.Context, token string) (*services.IdentityClaims, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*services.IdentityClaims, error) {
	return f(ctx, token)
}

// Authenticate resolves the bearer token to a provisioned user and stores it
// on the request context. Unknown subjects are provisioned on first sight.
func Authenticate(verifier TokenVerifier, users *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			c.Abort()
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token", "details": err.Error()})
			c.Abort()
			return
		}

		user, err := users.UpsertBySubject(*claims)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve user"})
			c.Abort()
			return
		}
		if !user.IsActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "Account is deactivated"})
			c.Abort()
			return
		}

		c.Set(currentUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user set by Authenticate.
func CurrentUser(c *gin.Context) *model.User {
	value, ok := c.Get(currentUserKey)
	if !ok {
		return nil
	}
	user, _ := value.(*model.User)
	return user
}

// RequireRole rejects requests from users outside the allowed roles.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	allowed := map[model.Role]bool{}
	for _, role := range roles {
		allowed[role] = true
	}
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !allowed[user.Role] {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// NewEnvTokenVerifier builds a development verifier from the AUTH_DEV_TOKENS
// environment variable: comma-separated token=username entries. Intended for
// local development only; production deployments wire a verifier for the
// real identity provider instead.
func NewEnvTokenVerifier() (TokenVerifier, error) {
	raw := os.Getenv("AUTH_DEV_TOKENS")
	if raw == "" {
		return nil, fmt.Errorf("AUTH_DEV_TOKENS is not set")
	}

	tokens := map[string]services.IdentityClaims{}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed AUTH_DEV_TOKENS entry %q", entry)
		}
		tokens[parts[0]] = services.IdentityClaims{
			SubjectID: "dev|" + parts[1],
			Username:  parts[1],
		}
	}

	return VerifierFunc(func(_ context.Context, token string) (*services.IdentityClaims, error) {
		claims, ok := tokens[token]
		if !ok {
			return nil, fmt.Errorf("unknown token")
		}
		return &claims, nil
	}), nil
}
