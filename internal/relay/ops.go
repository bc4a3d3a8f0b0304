package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/wire"
)

// submitRequest is one ops-submitted call envelope.
type submitRequest struct {
	Method string `json:"method" binding:"required"`
	Params []any  `json:"params"`
}

// statusSnapshot is the ops view of the supervised session.
type statusSnapshot struct {
	Server         string         `json:"server"`
	Address        string         `json:"address"`
	Connected      bool           `json:"connected"`
	Queued         int            `json:"queued"`
	Pending        int            `json:"pending"`
	Allowance      int            `json:"allowance"`
	ClosedRemotely bool           `json:"closed_remotely"`
	Outstanding    []wire.Request `json:"outstanding,omitempty"`
}

// serveOps exposes the diagnostics surface for one relay: health,
// session status, Prometheus metrics, and request submission. It stays
// up across reconnects; /status reports connected=false in the gaps.
func (s *Service) serveOps(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	router := s.buildOpsRouter()

	srv := &http.Server{
		Addr:              strings.TrimSpace(addr),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Info().Str("server", s.cfg.Host).Str("addr", addr).Msg("ops listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) buildOpsRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(log.Logger))
	router.Use(observability.RequestMetricsMiddleware(s.cfg.Host))
	if len(s.cfg.OpsCORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.OpsCORSOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s.registerOpsRoutes(router)
	return router
}

func (s *Service) registerOpsRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.startedAt).String(),
			"server":  s.cfg.Host,
			"version": "0.1.0",
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := router.Group("/")
	if token := strings.TrimSpace(s.cfg.OpsAuthToken); token != "" {
		guarded.Use(requireToken(auth.StaticToken{Token: token}))
	}

	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.statusSnapshot())
	})

	guarded.POST("/requests", func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := s.Submit(req.Method, req.Params)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotConnected) {
				status = http.StatusServiceUnavailable
			}
			if errors.Is(err, wire.ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "method": req.Method})
	})
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if err := v.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Service) statusSnapshot() statusSnapshot {
	snap := statusSnapshot{
		Server:  s.cfg.Host,
		Address: s.cfg.Address,
	}
	sess := s.session()
	if sess == nil {
		return snap
	}
	stats := sess.Stats()
	snap.Connected = true
	snap.Queued = stats.Queued
	snap.Pending = stats.Pending
	snap.Allowance = sess.NumRequests()
	snap.ClosedRemotely = stats.ClosedRemotely
	snap.Outstanding = sess.Outstanding()
	return snap
}
