package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OwnerHeader carries the caller's user ID. Authentication happens upstream; this service
// only scopes every read and write to the given owner.
const OwnerHeader = "X-User-ID"

const ownerKey = "user_id"

// RequireOwner is a middleware that rejects requests without a user ID. Websocket clients
// cannot set headers from the browser, so the user_id query parameter is accepted too.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(OwnerHeader)
		if owner == "" {
			owner = c.Query("user_id")
		}
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
			return
		}

		c.Set(ownerKey, owner)
		c.Next()
	}
}

func ownerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}
