package signaling

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/ratelimit"
	"github.com/vulcanrelay/relay/internal/relay"
)

// TokenCookieName is the cookie carrying a signal token, used when a client
// does not supply one in its "connection_init" payload.
const TokenCookieName = "vulcan_relay_token"

// Server accepts Signal API WebSocket connections and hands each off to a
// Connection. Grounded on the teacher's transport/hub.go ServeWs: origin
// check, upgrade, then run the connection to completion on its own
// goroutine -- minus the grace-period reclaim timer (see internal/room).
type Server struct {
	relay     *relay.Server
	limiter   *ratelimit.RateLimiter
	upgrader  websocket.Upgrader
	allowCORS bool
}

// NewServer builds a Signal API server. allowCORS mirrors the Control API's
// --no-cors switch: when false, the upgrader only accepts same-origin
// requests.
func NewServer(relaySrv *relay.Server, limiter *ratelimit.RateLimiter, allowCORS bool) *Server {
	s := &Server{relay: relaySrv, limiter: limiter, allowCORS: allowCORS}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.allowCORS {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

// RegisterRoutes mounts the Signal API's single WebSocket endpoint.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/signal", s.handleUpgrade)
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.limiter != nil && !s.limiter.CheckSignalConnect(c.Request.Context(), c.ClientIP()) {
		c.Status(http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "signaling: websocket upgrade failed", zap.Error(err))
		return
	}

	var cookieToken ids.SessionToken
	if raw, err := c.Cookie(TokenCookieName); err == nil {
		cookieToken = ids.ParseSessionToken(raw)
	}

	connection := NewConnection(conn, s.relay, cookieToken)
	connection.Serve(c.Request.Context())
}
