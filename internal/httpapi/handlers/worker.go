package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storyteller/internal/common"
	"github.com/suPer8Hu/storyteller/internal/jobs"
	"go.uber.org/zap"
)

type workerReq struct {
	MaxJobs int    `json:"max_jobs"`
	StoryID string `json:"story_id"`
}

type batchResp struct {
	Success bool `json:"success"`
	jobs.BatchResult
	CandidateStoryID string `json:"candidate_story_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// RunWorker processes a batch of jobs. POST takes an optional JSON body;
// GET reads max_jobs and story_id from the query. Secret checks happen in
// middleware.WorkerSecret.
func (h *Handler) RunWorker(c *gin.Context) {
	var req workerReq
	if c.Request.Method == http.MethodGet {
		if n, err := strconv.Atoi(c.Query("max_jobs")); err == nil {
			req.MaxJobs = n
		}
		req.StoryID = c.Query("story_id")
	} else if c.Request.ContentLength != 0 {
		// the body is optional; a malformed one counts as empty
		_ = c.ShouldBindJSON(&req)
	}

	res := h.Proc.ProcessBatch(c.Request.Context(), req.MaxJobs, strings.TrimSpace(req.StoryID))
	if len(res.Errors) > 0 {
		h.logFor(c).Warn("worker batch reported errors", zap.Strings("errors", res.Errors))
	}
	common.OK(c, batchResp{Success: true, BatchResult: res})
}

// Progress advances the caller's oldest open job by one step. Clients poll
// it while a story is being generated.
func (h *Handler) Progress(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	ctx := c.Request.Context()

	job, err := h.Queue.OldestOpenForUser(ctx, uid)
	if err != nil {
		h.logFor(c).Error("find open job failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if job == nil {
		common.OK(c, batchResp{
			Success:     true,
			BatchResult: jobs.BatchResult{Errors: []string{}},
			Reason:      "no_pending_jobs_for_user",
		})
		return
	}

	res := h.Proc.ProcessBatch(ctx, 1, job.StoryID)
	common.OK(c, batchResp{Success: true, BatchResult: res, CandidateStoryID: job.StoryID})
}
