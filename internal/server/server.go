// Package server exposes the sync protocol over websocket connections and
// drives one Session per connection.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/TexteaInc/y-socket.io/internal/config"
	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Controller upgrades handshakes into sync sessions. It holds the registry
// by reference; the composition root owns it.
type Controller struct {
	Registry   *room.Registry
	GetUserID  GetUserID
	ReadLimit  int64
	PingPeriod time.Duration
}

// HandleWS validates the declared room name and client identifier from the
// handshake parameters and resolves the user identity, all before the
// upgrade. A malformed or unauthorized handshake never touches room state.
func (ctl *Controller) HandleWS(c *gin.Context) {
	roomName, err := domain.ParseRoomName(c.Query("room"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	clientID, err := domain.ParseClientID(c.Query("clientId"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	getUserID := ctl.GetUserID
	if getUserID == nil {
		getUserID = SessionUserID
	}
	userID, err := getUserID(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "server").Str("room", string(roomName)).Msg("connection rejected")
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("ws upgrade")
		return
	}

	connID := uuid.NewString()
	conn := newWSConn(ws)
	r := ctl.Registry.Ensure(roomName)
	isOwner, err := r.Join(connID, conn, clientID, userID)
	for err != nil {
		// lost the race against the room's teardown; take a fresh room
		r = ctl.Registry.Ensure(roomName)
		isOwner, err = r.Join(connID, conn, clientID, userID)
	}
	sess := newSession(connID, conn, ctl.Registry, r, clientID, userID)

	log.Info().Str("module", "server").Str("conn", connID).
		Str("room", string(roomName)).Str("user", string(userID)).Msg("new connection")

	pingPeriod := ctl.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	pongWait := pingPeriod * 10 / 9
	readLimit := ctl.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}

	go conn.writePump(pingPeriod)
	go conn.readPump(sess, readLimit, pongWait)
	sess.start(isOwner)
}

// SetupRouter wires the websocket endpoint into a gin engine with the
// cookie-session token middleware, in front of which any custom auth hook
// still applies.
func SetupRouter(cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("YSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/api/ws/yjs", ctl.HandleWS)

	log.Info().Str("module", "server").Msg("router setup")
	return r
}
