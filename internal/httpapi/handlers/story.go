package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storyteller/internal/audio"
	"github.com/suPer8Hu/storyteller/internal/common"
	"github.com/suPer8Hu/storyteller/internal/story"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dailyLimitMessage = "La magia de hoy ya se ha usado, mañana volverá a estar lista para crear una nueva historia"

type startStoryReq struct {
	StoryState json.RawMessage `json:"storyState"`
}

func utcDay(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// StartStory records a pending story and its job, then fires the trigger.
// Generation itself happens out of band.
func (h *Handler) StartStory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	log := h.logFor(c).With(zap.String("user_id", uid))

	var req startStoryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	in, err := story.ParseInputs(req.StoryState)
	if err != nil || len(in) == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "storyState is required")
		return
	}

	ctx := c.Request.Context()
	now := h.now()
	limit := h.Cfg.DailyStoryLimit

	var reserved bool
	release := func() {
		if reserved {
			if err := h.Limiter.ReleaseDaily(ctx, uid, now); err != nil {
				log.Warn("release daily reservation failed", zap.Error(err))
			}
		}
	}

	if limit > 0 {
		if h.Limiter != nil {
			ok, err := h.Limiter.ReserveDaily(ctx, uid, now, limit)
			switch {
			case err != nil:
				// fall through to the database check
				log.Warn("daily reservation unavailable", zap.Error(err))
			case !ok:
				dailyLimitReached(c)
				return
			default:
				reserved = true
			}
		}

		from, to := utcDay(now)
		n, err := h.Stories.CountCreatedBetween(ctx, uid, from, to)
		if err != nil {
			release()
			log.Error("count stories failed", zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50001, "could not check daily limit")
			return
		}
		if n >= int64(limit) {
			release()
			dailyLimitReached(c)
			return
		}
	}

	raw, err := in.JSON()
	if err != nil {
		release()
		common.Fail(c, http.StatusBadRequest, 10002, "storyState is required")
		return
	}
	st := &story.Story{
		ID:     common.NewULID(),
		UserID: uid,
		Title:  story.DefaultTitle(in),
		Inputs: raw,
		Status: story.StatusPending,
	}
	if err := h.Stories.Create(ctx, st); err != nil {
		release()
		log.Error("create story failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "could not create story")
		return
	}
	log = log.With(zap.String("story_id", st.ID))

	if _, err := h.Queue.Enqueue(ctx, st.ID, uid); err != nil {
		log.Error("enqueue job failed", zap.Error(err))
		if merr := h.Stories.MarkError(ctx, st.ID, "could not enqueue job: "+err.Error()); merr != nil {
			log.Error("mark story error failed", zap.Error(merr))
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return
	}

	if h.Trigger != nil {
		if err := h.Trigger.StoryCreated(ctx, st.ID); err != nil {
			// the worker sweep picks the job up later
			log.Warn("trigger failed", zap.Error(err))
		}
	}

	common.OK(c, gin.H{
		"story_id": st.ID,
		"status":   st.Status,
		"story": gin.H{
			"id":         st.ID,
			"title":      st.Title,
			"created_at": st.CreatedAt,
			"status":     st.Status,
		},
	})
}

func dailyLimitReached(c *gin.Context) {
	common.FailWithData(c, http.StatusTooManyRequests, 42901, dailyLimitMessage,
		gin.H{"code": "daily_story_limit_reached"})
}

type storyItem struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Status          story.Status `json:"status"`
	StoryText       string       `json:"story_text"`
	GenerationError *string      `json:"generation_error"`
	GeneratedAt     *time.Time   `json:"generated_at"`
	CreatedAt       time.Time    `json:"created_at"`
	Audio           *audio.View  `json:"audio"`
}

func newStoryItem(s *story.Story, rows []audio.Audio) storyItem {
	return storyItem{
		ID:              s.ID,
		Title:           s.Title,
		Status:          s.Status,
		StoryText:       s.StoryText,
		GenerationError: s.GenerationError,
		GeneratedAt:     s.GeneratedAt,
		CreatedAt:       s.CreatedAt,
		Audio:           audio.Current(rows).View(),
	}
}

func (h *Handler) ListStories(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	ctx := c.Request.Context()

	rows, err := h.Stories.ListByUser(ctx, uid)
	if err != nil {
		h.logFor(c).Error("list stories failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ids := make([]string, 0, len(rows))
	for _, s := range rows {
		ids = append(ids, s.ID)
	}
	byStory, err := h.Audios.ListForStories(ctx, uid, ids)
	if err != nil {
		h.logFor(c).Error("list audios failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	items := make([]storyItem, 0, len(rows))
	for i := range rows {
		items = append(items, newStoryItem(&rows[i], byStory[rows[i].ID]))
	}
	common.OK(c, gin.H{"stories": items})
}

func (h *Handler) GetStory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	ctx := c.Request.Context()

	s, err := h.Stories.GetOwned(ctx, c.Param("id"), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "story not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	rows, err := h.Audios.ListByStory(ctx, s.ID, uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"story": newStoryItem(s, rows)})
}
