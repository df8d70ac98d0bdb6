package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

const ctxOwner = "ledger_owner"

// RequireSession returns a Gin middleware that enforces a valid Bearer
// session token.
//
// On success the owner is stored on the gin context and on the request
// context (see OwnerFromContext).
func RequireSession(sessions *SessionIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer session token required",
				"code":  "unauthorized",
			})
			return
		}

		owner, err := sessions.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid session token: " + err.Error(),
				"code":  "unauthorized",
			})
			return
		}

		c.Set(ctxOwner, owner)
		c.Request = c.Request.WithContext(WithOwner(c.Request.Context(), owner))
		c.Next()
	}
}

// OwnerFromGin returns the owner set by RequireSession.
func OwnerFromGin(c *gin.Context) (model.Owner, bool) {
	v, ok := c.Get(ctxOwner)
	if !ok {
		return model.Owner{}, false
	}
	owner, ok := v.(model.Owner)
	return owner, ok && owner.Valid()
}
