// Package authztest is a test-only impersonation harness. It must never be
// imported by production code.
package authztest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/authz"
)

// Impersonate sets the principal from the X-User-ID and X-User-Role headers
// without checking a signature. A missing role defaults to member.
func Impersonate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(authz.HeaderUserID); id != "" {
			role := authz.Role(c.GetHeader(authz.HeaderUserRole))
			if role == "" {
				role = authz.RoleMember
			}
			authz.SetPrincipal(c, authz.Principal{UserID: id, Role: role})
		}
		c.Next()
	}
}

// As sets identity headers on req.
func As(req *http.Request, userID string, role authz.Role) *http.Request {
	req.Header.Set(authz.HeaderUserID, userID)
	req.Header.Set(authz.HeaderUserRole, string(role))
	return req
}

// Signed sets identity headers plus a valid signature for secret.
func Signed(req *http.Request, secret, userID string, role authz.Role) *http.Request {
	As(req, userID, role)
	req.Header.Set(authz.HeaderSignature, authz.Sign(secret, userID, role))
	return req
}
