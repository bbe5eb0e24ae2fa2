package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storyteller/internal/audio"
	"github.com/suPer8Hu/storyteller/internal/common"
	"go.uber.org/zap"
)

type generateAudioReq struct {
	StoryID string `json:"story_id"`
	VoiceID string `json:"voice_id"`
	Wait    bool   `json:"wait"`
}

// GenerateAudio advances narration for one owned story. With wait set the
// request keeps polling until the audio settles or the audio timeout ends;
// otherwise a pending result is returned straight away.
func (h *Handler) GenerateAudio(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req generateAudioReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.StoryID = strings.TrimSpace(req.StoryID)
	if req.StoryID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "story_id required")
		return
	}

	areq := audio.Request{StoryID: req.StoryID, UserID: uid, VoiceID: strings.TrimSpace(req.VoiceID)}

	var (
		res *audio.Result
		err error
	)
	if req.Wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.AudioSvc.Config().Timeout)
		defer cancel()
		res, err = h.AudioSvc.WaitForStory(ctx, areq)
		if errors.Is(err, context.DeadlineExceeded) && res != nil {
			// still running; the client can ask again
			err = nil
		}
	} else {
		res, err = h.AudioSvc.GenerateForStory(c.Request.Context(), areq)
	}

	if err != nil {
		if ae, ok := audio.AsError(err); ok {
			common.FailWithData(c, ae.HTTPStatus, ae.HTTPStatus*100+1, ae.Message, gin.H{
				"code":   ae.Code,
				"detail": ae.Detail,
			})
			return
		}
		h.logFor(c).Error("generate audio failed", zap.String("story_id", req.StoryID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, res)
}

func (h *Handler) DeleteAudio(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	storyID := strings.TrimSpace(c.Param("story_id"))
	if storyID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "story_id required")
		return
	}

	n, err := h.AudioSvc.DeleteForStory(c.Request.Context(), storyID, uid)
	if err != nil {
		h.logFor(c).Error("delete audio failed", zap.String("story_id", storyID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "could not delete audio")
		return
	}
	common.OK(c, gin.H{"success": true, "deleted": n})
}
