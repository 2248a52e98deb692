package node

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/playermesh/internal/auth"
	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func (s *Service) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, s.cfg.Node.ID))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Node.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.Node.CorsOrigins),
		AllowMethods: []string{http.MethodGet, http.MethodPut},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/ws", gin.WrapH(s.gateway))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"node":    s.cfg.Node.ID,
			"uptime":  time.Since(s.appeared).String(),
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ring := s.dir.Ring()
		ready := ring.Contains(s.cfg.Node.ID)
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":              ready,
			"node":               s.cfg.Node.ID,
			"membership_version": ring.Version(),
			"connections":        s.lifecycle.Len(),
			"sessions":           s.reg.Len(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/membership", func(c *gin.Context) {
		ring := s.dir.Ring()
		c.JSON(http.StatusOK, gin.H{
			"snapshot":     s.feed.Current(),
			"ring_version": ring.Version(),
			"ring_nodes":   ring.Nodes(),
		})
	})

	admin := []gin.HandlerFunc{}
	if s.cfg.Node.AdminToken != "" {
		admin = append(admin, auth.RequireToken(auth.StaticToken{Token: s.cfg.Node.AdminToken}))
	}
	r.PUT("/membership", append(admin, s.putMembership)...)

	r.GET("/players/:id", func(c *gin.Context) {
		playerID := strings.TrimSpace(c.Param("id"))
		loc, err := s.router.Locate(c.Request.Context(), playerID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"location": loc, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, loc)
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":     s.cfg.Node.ID,
			"sessions": s.reg.Snapshot(),
			"presence": s.router.Presence().List(),
			"pending":  s.router.Attempts().List(),
		})
	})
}

func (s *Service) putMembership(c *gin.Context) {
	var body membership.Snapshot
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := membership.NewSnapshot(body.Version, body.Members...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.feed.Publish(snap); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, membership.ErrStaleSnapshot) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	log.Info().
		Str("node", s.cfg.Node.ID).
		Uint64("version", snap.Version).
		Int("members", len(snap.Members)).
		Msg("node membership published")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "version": snap.Version})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
