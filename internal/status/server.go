// Package status serves a small read-only HTTP view of the running bot.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keshon/groovebox/datastore"
	"github.com/keshon/groovebox/internal/voice"
	"github.com/rs/zerolog"
)

// SessionLister reports live voice sessions. *voice.Manager satisfies it.
type SessionLister interface {
	Sessions() []voice.SessionInfo
}

// StatsSource reports storage statistics. *storage.Storage satisfies it.
type StatsSource interface {
	Stats() datastore.Stats
}

type Server struct {
	addr      string
	sessions  SessionLister
	stats     StatsSource
	log       zerolog.Logger
	startedAt time.Time
	engine    *gin.Engine
}

func New(addr string, sessions SessionLister, stats StatsSource, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:      addr,
		sessions:  sessions,
		stats:     stats,
		log:       log.With().Str("component", "status").Logger(),
		startedAt: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/healthz", s.healthz)
	r.GET("/sessions", s.listSessions)
	s.engine = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.stats != nil {
		body["storage"] = s.stats.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listSessions(c *gin.Context) {
	list := []voice.SessionInfo{}
	if s.sessions != nil {
		list = s.sessions.Sessions()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(list),
		"sessions": list,
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// Run serves until ctx is cancelled. An empty address disables the server.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}
