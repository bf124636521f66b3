package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/gin-gonic/gin"
	"github.com/rtcheap/interview-room/internal/models"
)

const (
	principalKey    = "interview-room/principal"
	tokenQueryParam = "token"
)

// originFilter rejects browser requests from origins not in allowed and
// answers CORS preflight requests. Requests without an Origin header pass.
func originFilter(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if !origins[origin] && !origins["*"] {
			c.AbortWithError(http.StatusForbidden, httputil.ForbiddenError(fmt.Errorf("origin %s not allowed", origin)))
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Add("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authenticate verifies the bearer token of a request and requires role.
// Browsers cannot set headers on websocket upgrades, so the token may also
// be passed as a query parameter.
func authenticate(verifier jwt.Verifier, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithError(http.StatusUnauthorized, httputil.UnauthorizedError(errors.New("no token provided")))
			return
		}

		user, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithError(http.StatusUnauthorized, httputil.UnauthorizedError(err))
			return
		}

		if !user.HasRole(role) {
			err = fmt.Errorf("user(id=%s) is missing role %s", user.ID, role)
			c.AbortWithError(http.StatusForbidden, httputil.ForbiddenError(err))
			return
		}

		c.Set(principalKey, user)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query(tokenQueryParam)
}

func principal(c *gin.Context) models.User {
	user := c.MustGet(principalKey).(jwt.User)
	return models.User{ID: user.ID}
}
