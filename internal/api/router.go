package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/models"
	"pulse/internal/scheduler"
	"pulse/internal/storage"
	"pulse/internal/validate"
)

// Trigger runs a pipeline pass on demand.
type Trigger interface {
	RunOnce(ctx context.Context) (models.RunReport, bool, error)
}

// AlertCounter reports how many monitors sit in each alert state.
type AlertCounter interface {
	Counts() map[models.AlertState]int
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Store      storage.Storer
	Rules      validate.Rules
	Health     Trigger
	Recurrence Trigger
	Statuses   []scheduler.StatusReporter
	Alerts     AlertCounter
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewRouter builds the gin engine and registers the API handlers.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rules.Frequencies == nil {
		deps.Rules = validate.DefaultRules()
	}

	r := gin.New()
	h := NewHandlers(deps)
	r.Use(gin.Recovery(), requestID(), requestLogger(h.logger))

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api", bearerAuth(cfg.CronSecret))
	{
		cron := api.Group("/cron")
		cron.Match([]string{http.MethodGet, http.MethodPost}, "/health-checks", h.RunPass(deps.Health))
		cron.Match([]string{http.MethodGet, http.MethodPost}, "/recurrence", h.RunPass(deps.Recurrence))

		api.GET("/status", h.Status)

		api.POST("/monitors", h.CreateMonitor)
		api.GET("/monitors/:id", h.GetMonitor)
		api.GET("/monitors/:id/checks", h.ListChecks)

		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks/:id", h.GetTask)
		api.GET("/tasks/:id/instances", h.ListInstances)
		api.GET("/tasks/:id/comments", h.ListComments)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Not found"})
	})
	return r
}

// bearerAuth requires "Authorization: Bearer <secret>" when secret is set.
func bearerAuth(secret string) gin.HandlerFunc {
	want := []byte("Bearer " + secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("error", errs))
		}

		switch {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}
