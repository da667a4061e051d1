package middleware

import (
	"crypto/subtle"
	"net"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/errors"
)

// ContextKeyAuthMethod records how a request passed SecretAuth: bearer, query or local.
const ContextKeyAuthMethod = "authMethod"

// SecretAuthConfig configures the shared-secret check used by cron and admin triggers.
type SecretAuthConfig struct {
	// Secret is compared against the bearer token and the query parameter. Empty disables
	// both, leaving only the local bypass.
	Secret string

	// QueryParam names the query-string fallback. Defaults to "secret".
	QueryParam string

	// AllowLocalBypass lets loopback clients through without a secret (local development).
	AllowLocalBypass bool
}

// SecretAuth rejects requests that present neither the shared secret nor qualify for the
// local bypass with a 401 APIErrorResponse.
func SecretAuth(config *SecretAuthConfig) gin.HandlerFunc {
	param := config.QueryParam
	if param == "" {
		param = "secret"
	}

	return func(c *gin.Context) {
		if method, ok := authenticate(c, config, param); ok {
			c.Set(ContextKeyAuthMethod, method)
			c.Next()
			return
		}

		AbortWithAppError(c, errors.ErrUnauthorized("missing or invalid sync secret"))
	}
}

func authenticate(c *gin.Context, config *SecretAuthConfig, param string) (string, bool) {
	if config.Secret != "" {
		if token, ok := bearerToken(c.GetHeader("Authorization")); ok && secretEqual(token, config.Secret) {
			return "bearer", true
		}
		if q := c.Query(param); q != "" && secretEqual(q, config.Secret) {
			return "query", true
		}
	}

	if config.AllowLocalBypass && isLoopback(c.RemoteIP()) {
		return "local", true
	}

	return "", false
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func secretEqual(given, want string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
