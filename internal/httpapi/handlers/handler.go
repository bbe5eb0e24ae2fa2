package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storyteller/internal/audio"
	"github.com/suPer8Hu/storyteller/internal/common"
	"github.com/suPer8Hu/storyteller/internal/config"
	"github.com/suPer8Hu/storyteller/internal/httpapi/middleware"
	"github.com/suPer8Hu/storyteller/internal/jobs"
	"github.com/suPer8Hu/storyteller/internal/story"
	"go.uber.org/zap"
)

// DailyLimiter reserves one of the user's story slots for the current UTC
// day. redisstore.Store implements it.
type DailyLimiter interface {
	ReserveDaily(ctx context.Context, userID string, now time.Time, limit int) (bool, error)
	ReleaseDaily(ctx context.Context, userID string, now time.Time) error
}

// MediaOpener serves objects of the local storage backend.
type MediaOpener interface {
	Bucket() string
	Open(key, token string) (*os.File, error)
}

type Deps struct {
	Cfg      config.Config
	Stories  *story.Repo
	Audios   *audio.Repo
	AudioSvc *audio.Service
	Queue    *jobs.Queue
	Proc     *jobs.Processor
	Trigger  jobs.Trigger
	Limiter  DailyLimiter // nil: database check only
	Media    MediaOpener  // nil unless storage is local
	DBPing   func(ctx context.Context) error
	Log      *zap.Logger
}

type Handler struct {
	Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{Deps: d, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

const healthTimeout = 2 * time.Second

// Healthz reports whether the database answers.
func (h *Handler) Healthz(c *gin.Context) {
	if h.DBPing != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := h.DBPing(ctx); err != nil {
			h.logFor(c).Warn("database ping failed", zap.Error(err))
			common.FailWithData(c, http.StatusServiceUnavailable, 50301, "database unavailable", gin.H{"database": "down"})
			return
		}
	}
	common.OK(c, gin.H{"database": "up"})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	uid := c.GetString(middleware.UserIDKey)
	return uid, uid != ""
}

func (h *Handler) logFor(c *gin.Context) *zap.Logger {
	return h.Log.With(zap.String("request_id", c.GetString(middleware.RequestIDKey)))
}
