package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const principalKey = "auth.principal"

// RequireAuth отклоняет запросы без валидного bearer-токена.
// При nil-валидаторе отклоняется всё.
func RequireAuth(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			abort(c, http.StatusUnauthorized, "expected 'Bearer <token>'")
			return
		}
		if v == nil {
			abort(c, http.StatusUnauthorized, "authentication not configured")
			return
		}

		principal, err := v.Validate(strings.TrimSpace(token))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole пропускает только вызывающих с указанной ролью. Ставится после RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}
		if !principal.HasRole(role) {
			abort(c, http.StatusForbidden, "role "+role+" required")
			return
		}
		c.Next()
	}
}

// PrincipalFrom достаёт личность, сохранённую RequireAuth.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
