package audio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/storyteller/internal/common"
	"github.com/suPer8Hu/storyteller/internal/storage"
	"github.com/suPer8Hu/storyteller/internal/story"
	"github.com/suPer8Hu/storyteller/internal/tts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultMaxChars     = 10000
	DefaultTimeout      = 15 * time.Minute
	DefaultPollInterval = 2 * time.Second
	DefaultSignedURLTTL = 7 * 24 * time.Hour

	contentType    = "audio/mpeg"
	maxDetail      = 500
	cleanupTimeout = 10 * time.Second
)

type Config struct {
	MaxChars       int
	Timeout        time.Duration
	PollInterval   time.Duration
	DefaultVoiceID string
	SignedURLTTL   time.Duration
	Params         tts.Params
}

func (c Config) withDefaults() Config {
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = DefaultSignedURLTTL
	}
	return c
}

type TaskClient interface {
	Configured() bool
	CreateTask(ctx context.Context, text, voiceID string, p tts.Params) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (tts.TaskStatus, error)
	DownloadResult(ctx context.Context, resultURL string) ([]byte, error)
}

type StoryLoader interface {
	GetOwned(ctx context.Context, id, userID string) (*story.Story, error)
}

type Service struct {
	stories StoryLoader
	repo    *Repo
	tasks   TaskClient
	store   storage.ObjectStore
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

func NewService(stories StoryLoader, repo *Repo, tasks TaskClient, store storage.ObjectStore, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		stories: stories,
		repo:    repo,
		tasks:   tasks,
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Config() Config { return s.cfg }

type Request struct {
	StoryID string
	UserID  string
	VoiceID string
}

type Result struct {
	AudioID     string     `json:"id"`
	StoryID     string     `json:"story_id"`
	VoiceID     string     `json:"voice_id"`
	Status      Status     `json:"status"`
	TaskID      string     `json:"task_id,omitempty"`
	StoragePath string     `json:"storage_path,omitempty"`
	AudioURL    string     `json:"audio_url,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

// GenerateForStory advances the story's narration by at most one provider
// round trip. A pending result means the caller should invoke it again
// later; the same row and task are reused until they reach ready or error.
func (s *Service) GenerateForStory(ctx context.Context, req Request) (*Result, error) {
	res, err := s.generate(ctx, req)
	code := "ok"
	if ae, ok := AsError(err); ok {
		code = ae.Code
	} else if err != nil {
		code = "internal"
	} else if res.Status == StatusPending {
		code = "pending"
	}
	audioResults.WithLabelValues(code).Inc()
	return res, err
}

func (s *Service) generate(ctx context.Context, req Request) (*Result, error) {
	log := s.log.With(zap.String("story_id", req.StoryID))

	st, err := s.stories.GetOwned(ctx, req.StoryID, req.UserID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load story %s: %w", req.StoryID, err)
	}
	if st == nil || strings.TrimSpace(st.StoryText) == "" {
		return nil, &Error{Message: "story not found", HTTPStatus: http.StatusNotFound, Code: CodeStoryNotFound}
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = strings.TrimSpace(s.cfg.DefaultVoiceID)
	}
	if voiceID == "" {
		return nil, &Error{Message: "voice_id is required", HTTPStatus: http.StatusBadRequest, Code: CodeVoiceRequired}
	}

	row, err := s.pendingRow(ctx, req.StoryID, req.UserID, voiceID)
	if err != nil {
		log.Error("create pending audio failed", zap.Error(err))
		return nil, &Error{Message: "could not create pending audio", HTTPStatus: http.StatusInternalServerError, Code: CodeInsertFailed, Detail: err.Error()}
	}
	log = log.With(zap.String("audio_id", row.ID))

	text := narrationText(st)
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxChars {
		detail := fmt.Sprintf("Length: %d. Max: %d.", n, s.cfg.MaxChars)
		e := &Error{Message: "story exceeds the audio character limit", HTTPStatus: http.StatusBadRequest, Code: CodeMaxChars, Detail: detail}
		return nil, s.fail(ctx, log, row, e, e.Message+". "+detail)
	}

	if !s.tasks.Configured() {
		e := &Error{Message: "speech provider api key is not configured", HTTPStatus: http.StatusInternalServerError, Code: CodeConfigMissing}
		return nil, s.fail(ctx, log, row, e, e.Message)
	}

	if row.ExternalTaskID == nil || *row.ExternalTaskID == "" {
		taskID, err := s.tasks.CreateTask(ctx, text, voiceID, s.cfg.Params)
		if err != nil {
			e, msg := fromProvider(err)
			return nil, s.fail(ctx, log, row, e, msg)
		}
		if err := s.repo.SetExternalTask(ctx, row.ID, taskID); err != nil {
			// the task exists remotely but we lost its handle; a new row will
			// start over on the next call
			e := &Error{Message: "could not record speech task", HTTPStatus: http.StatusInternalServerError, Code: CodeInsertFailed, Detail: err.Error()}
			return nil, s.fail(ctx, log, row, e, e.Message)
		}
		log.Info("speech task created", zap.String("task_id", taskID))
		return &Result{AudioID: row.ID, StoryID: req.StoryID, VoiceID: voiceID, Status: StatusPending, TaskID: taskID}, nil
	}

	taskID := *row.ExternalTaskID
	status, err := s.tasks.GetTaskStatus(ctx, taskID)
	if err != nil {
		e, msg := fromProvider(err)
		return nil, s.fail(ctx, log, row, e, msg)
	}

	switch status.State {
	case tts.TaskCompleted:
		return s.finish(ctx, log, row, req, voiceID, status.ResultURL)
	case tts.TaskError:
		detail := truncate(status.ErrorDetail, maxDetail)
		if detail == "" {
			detail = "speech task failed at the provider"
		}
		e := &Error{Message: detail, HTTPStatus: http.StatusBadGateway, Code: CodeTaskError}
		return nil, s.fail(ctx, log, row, e, detail)
	}

	if s.now().Sub(row.CreatedAt) > s.cfg.Timeout {
		e := &Error{Message: "speech provider timed out", HTTPStatus: http.StatusGatewayTimeout, Code: CodeTimeout}
		return nil, s.fail(ctx, log, row, e, e.Message)
	}
	return &Result{AudioID: row.ID, StoryID: req.StoryID, VoiceID: voiceID, Status: StatusPending, TaskID: taskID}, nil
}

func (s *Service) pendingRow(ctx context.Context, storyID, userID, voiceID string) (*Audio, error) {
	row, err := s.repo.FindPending(ctx, storyID, userID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		if row.VoiceID == nil || *row.VoiceID == "" {
			if err := s.repo.SetVoice(ctx, row.ID, voiceID); err != nil {
				return nil, err
			}
			row.VoiceID = &voiceID
		}
		return row, nil
	}

	row = &Audio{
		ID:        common.NewULID(),
		StoryID:   storyID,
		UserID:    userID,
		VoiceID:   &voiceID,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, row *Audio, req Request, voiceID, resultURL string) (*Result, error) {
	if strings.TrimSpace(resultURL) == "" {
		e := &Error{Message: "speech task completed without a result url", HTTPStatus: http.StatusBadGateway, Code: CodeBadResponse}
		return nil, s.fail(ctx, log, row, e, e.Message)
	}

	data, err := s.tasks.DownloadResult(ctx, resultURL)
	if err != nil {
		var dlErr *tts.DownloadError
		switch {
		case errors.As(err, &dlErr) && dlErr.StatusCode == 0:
			data = nil
		case errors.As(err, &dlErr):
			e := &Error{Message: "could not download audio", HTTPStatus: http.StatusBadGateway, Code: CodeDownloadFailed, Detail: dlErr.Detail}
			msg := dlErr.Detail
			if msg == "" {
				msg = dlErr.Error()
			}
			return nil, s.fail(ctx, log, row, e, msg)
		default:
			e := &Error{Message: "speech provider unreachable", HTTPStatus: http.StatusBadGateway, Code: CodeUnreachable}
			return nil, s.fail(ctx, log, row, e, err.Error())
		}
	}
	if len(data) == 0 {
		e := &Error{Message: "empty audio", HTTPStatus: http.StatusBadGateway, Code: CodeEmptyAudio}
		return nil, s.fail(ctx, log, row, e, e.Message)
	}

	key := storage.AudioKey(req.UserID, req.StoryID, row.ID)
	if err := s.store.Upload(ctx, key, data, contentType); err != nil {
		e := &Error{Message: "could not upload audio", HTTPStatus: http.StatusInternalServerError, Code: CodeStorageUploadFailed}
		return nil, s.fail(ctx, log, row, e, err.Error())
	}

	audioURL, ok := s.store.PublicURL(key)
	if !ok {
		signed, err := s.store.SignedURL(ctx, key, s.cfg.SignedURLTTL)
		if err != nil {
			log.Error("signed url failed", zap.Error(err))
		}
		audioURL = signed
	}
	if audioURL == "" {
		e := &Error{Message: "could not resolve audio url", HTTPStatus: http.StatusInternalServerError, Code: CodeURLFailed}
		return nil, s.fail(ctx, log, row, e, e.Message)
	}

	at := s.now()
	if err := s.repo.MarkReady(ctx, row.ID, key, audioURL, at); err != nil {
		e := &Error{Message: "could not save audio", HTTPStatus: http.StatusInternalServerError, Code: CodeSaveFailed}
		return nil, s.fail(ctx, log, row, e, fmt.Sprintf("mark audio ready: %v", err))
	}
	log.Info("audio ready", zap.Int("bytes", len(data)))

	return &Result{
		AudioID:     row.ID,
		StoryID:     req.StoryID,
		VoiceID:     voiceID,
		Status:      StatusReady,
		TaskID:      derefString(row.ExternalTaskID),
		StoragePath: key,
		AudioURL:    audioURL,
		GeneratedAt: &at,
	}, nil
}

// fail records msg on the row before handing the error back; the row must
// never stay pending once an attempt has failed, even when ctx is done.
func (s *Service) fail(ctx context.Context, log *zap.Logger, row *Audio, e *Error, msg string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.repo.MarkError(cctx, row.ID, truncate(msg, maxDetail*2)); err != nil {
		log.Error("mark audio error failed", zap.Error(err))
	}
	log.Warn("audio generation failed", zap.String("code", e.Code), zap.String("detail", e.Detail))
	return e
}

// WaitForStory keeps advancing the narration, sleeping PollInterval between
// pending results, until it is ready, fails, or ctx ends.
func (s *Service) WaitForStory(ctx context.Context, req Request) (*Result, error) {
	for {
		res, err := s.GenerateForStory(ctx, req)
		if err != nil || res.Status != StatusPending {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Service) HasReady(ctx context.Context, storyID string) (bool, error) {
	return s.repo.HasReady(ctx, storyID)
}

// DeleteForStory removes every audio row of an owned story and the stored
// files behind them. Storage failures are logged, not returned.
func (s *Service) DeleteForStory(ctx context.Context, storyID, userID string) (int64, error) {
	rows, err := s.repo.ListByStory(ctx, storyID, userID)
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, a := range rows {
		if a.StoragePath != nil && *a.StoragePath != "" {
			keys = append(keys, *a.StoragePath)
		}
	}
	if len(keys) > 0 {
		if err := s.store.Remove(ctx, keys...); err != nil {
			s.log.Error("remove audio files failed", zap.String("story_id", storyID), zap.Error(err))
		}
	}
	return s.repo.DeleteByStory(ctx, storyID, userID)
}

func narrationText(st *story.Story) string {
	if t := strings.TrimSpace(st.Title); t != "" {
		return "Titulo: " + t + "\n\n" + st.StoryText
	}
	return st.StoryText
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
