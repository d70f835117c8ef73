package codeserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/devchannel/internal/auth"
	"github.com/danmuck/devchannel/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminServer is the HTTP side of the code server: health, metrics, the
// live session list (behind AdminToken when set) and the websocket
// endpoint for transport switches.
type AdminServer struct {
	svc    *Service
	router *gin.Engine
}

func NewAdminServer(svc *Service) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	if svc.cfg.Metrics {
		r.Use(observability.RequestMetricsMiddleware())
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &AdminServer{svc: svc, router: r}
	a.routes()
	return a
}

func (a *AdminServer) Handler() http.Handler {
	return a.router
}

func (a *AdminServer) routes() {
	a.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": len(a.svc.Sessions()),
		})
	})
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	sessions := a.router.Group("/sessions")
	if token := a.svc.cfg.AdminToken; token != "" {
		sessions.Use(auth.RequireBearer(auth.StaticToken{Token: token}))
	}
	sessions.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.svc.Sessions()})
	})
	if sb := a.svc.Switchboard(); sb != nil {
		a.router.GET("/channel", sb.Accept)
	}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (a *AdminServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

func (a *AdminServer) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Msgf("codeserver.AdminServer listening addr=%q", ln.Addr().String())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
