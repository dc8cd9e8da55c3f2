package server

import (
	"errors"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/TexteaInc/y-socket.io/internal/domain"
)

// GetUserID resolves the authenticated identity behind an incoming
// connection, before any room state is touched. Returning an error rejects
// the connection.
type GetUserID func(c *gin.Context) (domain.UserID, error)

var errNoClientToken = errors.New("no client token")

// ClientTokenMiddleware mints a per-browser token into the cookie session on
// first visit. It backs the default GetUserID hook.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get("ct").(string)
		if token == "" {
			token = uuid.NewString()
			sess.Set("ct", token)
			_ = sess.Save()
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SessionUserID is the default authorization hook: the cookie-session client
// token is the user identity.
func SessionUserID(c *gin.Context) (domain.UserID, error) {
	token := c.GetString("client_token")
	if token == "" {
		return "", errNoClientToken
	}
	return domain.ParseUserID(token)
}
