// Package authz resolves the caller's identity and capabilities once per
// request.
//
// Authentication is done by an external identity provider which forwards
// X-User-ID and X-User-Role together with X-Identity-Signature, the hex
// HMAC-SHA256 of "<userID>|<role>" under a shared secret. Handlers never
// look at roles directly; they ask for a Capability.
package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/logging"
)

// Role is the closed set of roles the identity provider may assert.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	// RoleSystem is used by internal automation (scheduler, MCP tooling).
	RoleSystem Role = "system"
)

// Capability is a permission checked by handlers.
type Capability string

const (
	CapTransact      Capability = "transact"       // create, approve, refund, comment
	CapAdjudicate    Capability = "adjudicate"     // deliberate and finalize disputes
	CapRunPayouts    Capability = "run_payouts"    // trigger and inspect daily payouts
	CapManageWallets Capability = "manage_wallets" // settle withdrawals, reverse rewards
	CapCurate        Capability = "curate"         // mark comments helpful with a savings score
)

var roleCapabilities = map[Role][]Capability{
	RoleMember: {CapTransact},
	RoleAdmin:  {CapTransact, CapAdjudicate, CapRunPayouts, CapManageWallets, CapCurate},
	RoleSystem: {CapAdjudicate, CapRunPayouts, CapCurate},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Can reports whether the principal holds capability c.
func (p Principal) Can(c Capability) bool {
	for _, have := range roleCapabilities[p.Role] {
		if have == c {
			return true
		}
	}
	return false
}

// Identity headers set by the identity provider.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderSignature = "X-Identity-Signature"
)

const contextKeyPrincipal = "authzPrincipal"

// Sign returns the identity signature for userID and role.
func Sign(secret, userID string, role Role) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(userID + "|" + string(role)))
	return hex.EncodeToString(h.Sum(nil))
}

// Middleware verifies the identity headers and stores the Principal.
// Requests without valid identity are rejected with 401.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		role := Role(c.GetHeader(HeaderUserRole))
		sig := c.GetHeader(HeaderSignature)

		if userID == "" || sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity headers required.",
			})
			return
		}
		want := Sign(secret, userID, role)
		if !hmac.Equal([]byte(want), []byte(sig)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid identity signature.",
			})
			return
		}
		if !role.Valid() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Unknown role.",
			})
			return
		}

		SetPrincipal(c, Principal{UserID: userID, Role: role})
		c.Next()
	}
}

// SetPrincipal stores p on the request. Also used by test harnesses.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(contextKeyPrincipal, p)
	c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), p.UserID))
}

// FromContext returns the principal stored by Middleware.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// UserID returns the caller's user id, or "" when unauthenticated.
func UserID(c *gin.Context) string {
	p, _ := FromContext(c)
	return p.UserID
}

// Require rejects callers that lack any of caps.
func Require(caps ...Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		for _, cap := range caps {
			if !p.Can(cap) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Missing capability " + string(cap) + ".",
				})
				return
			}
		}
		c.Next()
	}
}
