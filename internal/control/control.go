// Package control implements the Control API: a unary HTTP mutation/query
// surface mirroring RelayServer's register/unregister operations, plus
// version and per-session stats queries. Grounded on the teacher's gin
// handler shape (internal/health/handler.go), generalized from probes to a
// mutation/query surface.
package control

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vulcanrelay/relay/internal/buildinfo"
	"github.com/vulcanrelay/relay/internal/identity"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/relay"
	"github.com/vulcanrelay/relay/internal/relayerr"
)

// CORSMiddleware builds the Control API's cross-origin policy. allowCORS
// mirrors the --no-cors flag: when false, no CORS headers are emitted, so
// browsers keep cross-origin pages from reading responses and fail
// preflighted cross-origin requests; the server itself rejects none.
func CORSMiddleware(allowCORS bool) gin.HandlerFunc {
	if !allowCORS {
		return func(c *gin.Context) { c.Next() }
	}
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{"GET", "POST"}
	cfg.AllowHeaders = []string{"Content-Type"}
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}

// Status is the tagged-union discriminator carried by every mutation
// response.
type Status string

const (
	StatusOK             Status = "ok"
	StatusNonUniqueId    Status = "non_unique_id"
	StatusUnknownRoom    Status = "unknown_room"
	StatusUnknownSession Status = "unknown_session"
	StatusVulcastInRoom  Status = "vulcast_in_room"
	StatusInternal       Status = "internal_error"
)

func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, relayerr.ErrNonUniqueId):
		return StatusNonUniqueId
	case errors.Is(err, relayerr.ErrUnknownRoom):
		return StatusUnknownRoom
	case errors.Is(err, relayerr.ErrUnknownSession):
		return StatusUnknownSession
	case errors.Is(err, relayerr.ErrVulcastInRoom):
		return StatusVulcastInRoom
	default:
		return StatusInternal
	}
}

// Handler implements the Control API's HTTP routes against a RelayServer.
type Handler struct {
	relay *relay.Server
}

// NewHandler builds a Control API handler over relaySrv.
func NewHandler(relaySrv *relay.Server) *Handler {
	return &Handler{relay: relaySrv}
}

// RegisterRoutes mounts every Control API route under router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/control/register_session", h.registerSession)
	router.POST("/control/register_room", h.registerRoom)
	router.POST("/control/unregister_room", h.unregisterRoom)
	router.POST("/control/unregister_session", h.unregisterSession)
	router.GET("/control/version", h.version)
	router.GET("/control/stats", h.stats)
}

type registerSessionRequest struct {
	ForeignSessionId ids.ForeignSessionId `json:"foreignSessionId" binding:"required"`
	Role             string               `json:"role" binding:"required"`
	ForeignRoomId    ids.ForeignRoomId    `json:"foreignRoomId,omitempty"`
}

type registerSessionResponse struct {
	Status Status           `json:"status"`
	Token  ids.SessionToken `json:"token,omitempty"`
}

func parseRole(s string) (identity.Role, bool) {
	switch s {
	case "vulcast":
		return identity.RoleVulcast, true
	case "web_client":
		return identity.RoleWebClient, true
	case "host":
		return identity.RoleHost, true
	default:
		return 0, false
	}
}

func (h *Handler) registerSession(c *gin.Context) {
	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role " + req.Role})
		return
	}

	token, err := h.relay.RegisterSession(req.ForeignSessionId, identity.SessionOptions{
		Role:          role,
		ForeignRoomId: req.ForeignRoomId,
	})
	resp := registerSessionResponse{Status: statusFor(err)}
	if err == nil {
		resp.Token = token
	}
	c.JSON(http.StatusOK, resp)
}

type registerRoomRequest struct {
	ForeignRoomId           ids.ForeignRoomId    `json:"foreignRoomId" binding:"required"`
	VulcastForeignSessionId ids.ForeignSessionId `json:"vulcastForeignSessionId" binding:"required"`
}

type statusResponse struct {
	Status Status `json:"status"`
}

func (h *Handler) registerRoom(c *gin.Context) {
	var req registerRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.relay.RegisterRoom(req.ForeignRoomId, req.VulcastForeignSessionId)
	c.JSON(http.StatusOK, statusResponse{Status: statusFor(err)})
}

type foreignRoomRequest struct {
	ForeignRoomId ids.ForeignRoomId `json:"foreignRoomId" binding:"required"`
}

func (h *Handler) unregisterRoom(c *gin.Context) {
	var req foreignRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.relay.UnregisterRoom(c.Request.Context(), req.ForeignRoomId)
	c.JSON(http.StatusOK, statusResponse{Status: statusFor(err)})
}

type foreignSessionRequest struct {
	ForeignSessionId ids.ForeignSessionId `json:"foreignSessionId" binding:"required"`
}

func (h *Handler) unregisterSession(c *gin.Context) {
	var req foreignSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.relay.UnregisterSession(c.Request.Context(), req.ForeignSessionId)
	c.JSON(http.StatusOK, statusResponse{Status: statusFor(err)})
}

type versionResponse struct {
	Version string `json:"version"`
}

func (h *Handler) version(c *gin.Context) {
	c.JSON(http.StatusOK, versionResponse{Version: buildinfo.String()})
}

func (h *Handler) stats(c *gin.Context) {
	fsid := ids.ForeignSessionId(c.Query("sessionId"))
	if fsid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	sess, ok := h.relay.SessionByFsid(fsid)
	if !ok {
		c.JSON(http.StatusNotFound, statusResponse{Status: StatusUnknownSession})
		return
	}
	c.JSON(http.StatusOK, sess.GetStats(c.Request.Context()))
}
