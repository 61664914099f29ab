package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/procgraph/internal/observability"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/command"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const adminVersion = "0.1.0"

type edgeRequest struct {
	Source protocol.Address `json:"source"`
	Target protocol.Address `json:"target"`
}

type policyRequest struct {
	Policy protocol.Policy `json:"policy"`
}

// AdminHandler builds the admin HTTP surface.
func (s *Service) AdminHandler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.AdminAccess(log.Logger, s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.server.StartedAt()).String(),
			"service": s.cfg.Name,
			"version": adminVersion,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":          true,
			"uptime":         time.Since(s.server.StartedAt()).String(),
			"service":        s.cfg.Name,
			"active_clients": s.ActiveClients(),
			"version":        adminVersion,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/nodes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"nodes": s.server.Nodes()})
	})

	r.GET("/edges", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"entries": s.server.Edges()})
	})

	r.GET("/edges/:source", func(c *gin.Context) {
		source, ok := addressParam(c, "source")
		if !ok {
			return
		}
		c.JSON(http.StatusOK, s.server.Status(source))
	})

	r.POST("/edges", func(c *gin.Context) {
		var req edgeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondStatus(c, s.server.Connect(req.Source, req.Target))
	})

	r.DELETE("/edges/:source/:target", func(c *gin.Context) {
		source, ok := addressParam(c, "source")
		if !ok {
			return
		}
		target, ok := addressParam(c, "target")
		if !ok {
			return
		}
		respondStatus(c, s.server.Disconnect(source, target))
	})

	r.PUT("/edges/:source/policy", func(c *gin.Context) {
		source, ok := addressParam(c, "source")
		if !ok {
			return
		}
		var req policyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondStatus(c, s.server.SetPolicy(source, req.Policy))
	})
}

// addressParam accepts decimal or 0x-prefixed hex addresses.
func addressParam(c *gin.Context, name string) (protocol.Address, bool) {
	raw := strings.TrimSpace(c.Param(name))
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " address: " + raw})
		return 0, false
	}
	return protocol.Address(v), true
}

func respondStatus(c *gin.Context, status command.Status) {
	code := http.StatusOK
	switch status {
	case command.StatusOK:
	case command.StatusNotFound:
		code = http.StatusNotFound
	case command.StatusExists:
		code = http.StatusConflict
	case command.StatusRejected, command.StatusError:
		code = http.StatusUnprocessableEntity
	default:
		code = http.StatusInternalServerError
	}
	c.JSON(code, gin.H{"status": status.String()})
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("router admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
