package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/storyteller/internal/audio"
	"github.com/suPer8Hu/storyteller/internal/common"
	"github.com/suPer8Hu/storyteller/internal/config"
	"github.com/suPer8Hu/storyteller/internal/httpapi/handlers"
	"github.com/suPer8Hu/storyteller/internal/httpapi/middleware"
	"github.com/suPer8Hu/storyteller/internal/jobs"
	"github.com/suPer8Hu/storyteller/internal/storage"
	"github.com/suPer8Hu/storyteller/internal/story"
	"github.com/suPer8Hu/storyteller/internal/tts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jwtSecret    = "test-jwt-secret"
	workerSecret = "test-worker-secret"
	ownerID      = "user-1"
)

func init() { gin.SetMode(gin.TestMode) }

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, in story.Inputs) (story.Generated, error) {
	return story.Generated{Title: "El viaje", Text: "Habia una vez un zorro."}, nil
}

type pendingTasks struct{}

func (pendingTasks) Configured() bool { return true }
func (pendingTasks) CreateTask(ctx context.Context, text, voiceID string, p tts.Params) (string, error) {
	return "task-1", nil
}
func (pendingTasks) GetTaskStatus(ctx context.Context, taskID string) (tts.TaskStatus, error) {
	return tts.TaskStatus{State: tts.TaskPending}, nil
}
func (pendingTasks) DownloadResult(ctx context.Context, resultURL string) ([]byte, error) {
	return nil, errors.New("not used")
}

type fakeLimiter struct {
	allow    bool
	err      error
	reserved int
	released int
}

func (l *fakeLimiter) ReserveDaily(ctx context.Context, userID string, now time.Time, limit int) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.allow {
		l.reserved++
	}
	return l.allow, nil
}

func (l *fakeLimiter) ReleaseDaily(ctx context.Context, userID string, now time.Time) error {
	l.released++
	return nil
}

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) StoryCreated(ctx context.Context, storyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, storyID)
	return nil
}

type fixture struct {
	db      *gorm.DB
	stories *story.Repo
	audios  *audio.Repo
	queue   *jobs.Queue
	local   *storage.LocalFS
	trigger *recordingTrigger
	limiter *fakeLimiter
	router  *gin.Engine
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&story.Story{}, &jobs.Job{}, &audio.Audio{}))

	signer, err := storage.NewSigner(jwtSecret)
	require.NoError(t, err)
	local, err := storage.NewLocalFS(storage.LocalOptions{
		Root:     t.TempDir(),
		Bucket:   "audios",
		MediaURL: "http://media.test",
		Signer:   signer,
	})
	require.NoError(t, err)

	cfg.JWTSecret = jwtSecret
	cfg.StoryWorkerSecret = workerSecret

	f := &fixture{
		db:      db,
		stories: story.NewRepo(db),
		audios:  audio.NewRepo(db),
		queue:   jobs.NewQueue(db, jobs.Config{}, nil),
		local:   local,
		trigger: &recordingTrigger{},
		limiter: &fakeLimiter{allow: true},
	}
	audioSvc := audio.NewService(f.stories, f.audios, pendingTasks{}, local, audio.Config{}, nil)
	proc := jobs.NewProcessor(f.queue, f.stories, stubGenerator{}, audioSvc, nil)

	h := handlers.NewHandler(handlers.Deps{
		Cfg:      cfg,
		Stories:  f.stories,
		Audios:   f.audios,
		AudioSvc: audioSvc,
		Queue:    f.queue,
		Proc:     proc,
		Trigger:  f.trigger,
		Limiter:  f.limiter,
		Media:    local,
		DBPing:   sqlDB.PingContext,
	})
	f.router = NewRouter(h, zap.NewNop())
	return f
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func bearer(t *testing.T, userID string) map[string]string {
	t.Helper()
	tok, err := middleware.SignToken(userID, jwtSecret, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (f *fixture) seedStory(t *testing.T, userID, text string, status story.Status) *story.Story {
	t.Helper()
	s := &story.Story{
		ID:        common.NewULID(),
		UserID:    userID,
		Title:     "Cuento de Leo",
		Inputs:    []byte(`{"hero":{"optionId":"h1","optionName":"Leo"}}`),
		StoryText: text,
		Status:    status,
	}
	require.NoError(t, f.stories.Create(context.Background(), s))
	return s
}

var storyState = map[string]any{
	"storyState": map[string]any{
		"hero": map[string]string{"optionId": "h1", "optionName": "Leo"},
	},
}

func TestStartStory(t *testing.T) {
	f := newFixture(t, config.Config{DailyStoryLimit: 1})

	w, env := f.do(t, http.MethodPost, "/story/start", storyState, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var data struct {
		StoryID string `json:"story_id"`
		Status  string `json:"status"`
		Story   struct {
			Title string `json:"title"`
		} `json:"story"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.StoryID)
	assert.Equal(t, "pending", data.Status)
	assert.Equal(t, "Cuento de Leo", data.Story.Title)

	var job jobs.Job
	require.NoError(t, f.db.Where("story_id = ?", data.StoryID).First(&job).Error)
	assert.Equal(t, jobs.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, ownerID, job.UserID)

	assert.Equal(t, []string{data.StoryID}, f.trigger.ids)
	assert.Equal(t, 1, f.limiter.reserved)
	assert.Equal(t, 0, f.limiter.released)
}

func TestStartStory_DailyLimitFromDatabase(t *testing.T) {
	f := newFixture(t, config.Config{DailyStoryLimit: 1})
	f.seedStory(t, ownerID, "", story.StatusPending)

	w, env := f.do(t, http.MethodPost, "/story/start", storyState, bearer(t, ownerID))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"code":"daily_story_limit_reached"}`, string(env.Data))
	assert.Equal(t, 1, f.limiter.released, "reservation is returned when the database says no")

	// other users are unaffected
	w, _ = f.do(t, http.MethodPost, "/story/start", storyState, bearer(t, "user-2"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStory_DailyLimitFromReservation(t *testing.T) {
	f := newFixture(t, config.Config{DailyStoryLimit: 1})
	f.limiter.allow = false

	w, _ := f.do(t, http.MethodPost, "/story/start", storyState, bearer(t, ownerID))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var n int64
	require.NoError(t, f.db.Model(&story.Story{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestStartStory_LimiterDownFallsBackToDatabase(t *testing.T) {
	f := newFixture(t, config.Config{DailyStoryLimit: 1})
	f.limiter.err = errors.New("redis down")

	w, _ := f.do(t, http.MethodPost, "/story/start", storyState, bearer(t, ownerID))
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodPost, "/story/start", storyState, bearer(t, ownerID))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStartStory_Validation(t *testing.T) {
	f := newFixture(t, config.Config{DailyStoryLimit: 1})

	w, _ := f.do(t, http.MethodPost, "/story/start", map[string]any{}, bearer(t, ownerID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/story/start", map[string]any{"storyState": "hero"}, bearer(t, ownerID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/story/start", storyState, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkerEndpoint(t *testing.T) {
	f := newFixture(t, config.Config{})
	s := f.seedStory(t, ownerID, "", story.StatusPending)
	_, err := f.queue.Enqueue(context.Background(), s.ID, ownerID)
	require.NoError(t, err)

	w, _ := f.do(t, http.MethodGet, "/story/worker", nil, map[string]string{"X-Worker-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := f.do(t, http.MethodGet, "/story/worker?max_jobs=3", nil, map[string]string{"X-Worker-Secret": workerSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Success bool `json:"success"`
		jobs.BatchResult
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Completed)

	got, err := f.stories.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, story.StatusGenerated, got.Status)
	assert.Equal(t, "El viaje", got.Title)

	// POST with bearer secret and no body
	w, env = f.do(t, http.MethodPost, "/story/worker", nil, map[string]string{"Authorization": "Bearer " + workerSecret})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 0, res.Processed)
}

func TestWorkerEndpoint_NoSecretConfigured(t *testing.T) {
	f := newFixture(t, config.Config{})
	// rebuild with the secret cleared
	h := handlers.NewHandler(handlers.Deps{Cfg: config.Config{JWTSecret: jwtSecret}})
	f.router = NewRouter(h, zap.NewNop())

	w, _ := f.do(t, http.MethodPost, "/story/worker", nil, map[string]string{"X-Worker-Secret": "anything"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProgress(t *testing.T) {
	f := newFixture(t, config.Config{})

	w, env := f.do(t, http.MethodPost, "/story/progress", nil, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"success":true,"processed":0,"completed":0,"failed":0,"skipped":0,"errors":[],"reason":"no_pending_jobs_for_user"}`,
		string(env.Data))

	s := f.seedStory(t, ownerID, "", story.StatusPending)
	_, err := f.queue.Enqueue(context.Background(), s.ID, ownerID)
	require.NoError(t, err)
	other := f.seedStory(t, "user-2", "", story.StatusPending)
	_, err = f.queue.Enqueue(context.Background(), other.ID, "user-2")
	require.NoError(t, err)

	w, env = f.do(t, http.MethodPost, "/story/progress", nil, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		CandidateStoryID string `json:"candidate_story_id"`
		jobs.BatchResult
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, s.ID, res.CandidateStoryID)
	assert.Equal(t, 1, res.Completed)

	var otherJob jobs.Job
	require.NoError(t, f.db.Where("story_id = ?", other.ID).First(&otherJob).Error)
	assert.Equal(t, jobs.JobPending, otherJob.Status)
}

func TestListAndGetStories(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()

	older := f.seedStory(t, ownerID, "uno", story.StatusReady)
	require.NoError(t, f.db.Model(&story.Story{}).Where("id = ?", older.ID).
		UpdateColumn("created_at", time.Now().UTC().Add(-time.Hour)).Error)
	newer := f.seedStory(t, ownerID, "dos", story.StatusGenerated)
	f.seedStory(t, "user-2", "ajeno", story.StatusGenerated)

	audioURL := "https://cdn.test/a.mp3"
	voice := "voice-1"
	now := time.Now().UTC()
	require.NoError(t, f.audios.Create(ctx, &audio.Audio{
		ID: common.NewULID(), StoryID: older.ID, UserID: ownerID, VoiceID: &voice,
		Status: audio.StatusReady, AudioURL: &audioURL, GeneratedAt: &now,
	}))

	w, env := f.do(t, http.MethodGet, "/stories", nil, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Stories []struct {
			ID    string      `json:"id"`
			Audio *audio.View `json:"audio"`
		} `json:"stories"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Stories, 2)
	assert.Equal(t, newer.ID, list.Stories[0].ID)
	assert.Nil(t, list.Stories[0].Audio)
	assert.Equal(t, older.ID, list.Stories[1].ID)
	require.NotNil(t, list.Stories[1].Audio)
	assert.Equal(t, audio.StatusReady, list.Stories[1].Audio.Status)
	assert.Equal(t, audioURL, *list.Stories[1].Audio.AudioURL)

	w, _ = f.do(t, http.MethodGet, "/stories/"+older.ID, nil, bearer(t, ownerID))
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/stories/"+older.ID, nil, bearer(t, "user-2"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerateAudio(t *testing.T) {
	f := newFixture(t, config.Config{})
	s := f.seedStory(t, ownerID, "Habia una vez.", story.StatusGenerated)

	body := map[string]any{"story_id": s.ID, "voice_id": "voice-1"}
	w, env := f.do(t, http.MethodPost, "/story/audio", body, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res audio.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, audio.StatusPending, res.Status)
	assert.Equal(t, "task-1", res.TaskID)

	// same row is reused on the next call
	w, env = f.do(t, http.MethodPost, "/story/audio", body, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code)
	var again audio.Result
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.Equal(t, res.AudioID, again.AudioID)

	w, env = f.do(t, http.MethodPost, "/story/audio", map[string]any{"story_id": "missing", "voice_id": "v"}, bearer(t, ownerID))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, env.Code)
	assert.Contains(t, string(env.Data), `"code":"story_not_found"`)

	w, _ = f.do(t, http.MethodPost, "/story/audio", map[string]any{}, bearer(t, ownerID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteAudio(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()
	s := f.seedStory(t, ownerID, "texto", story.StatusReady)

	key := storage.AudioKey(ownerID, s.ID, "a1")
	require.NoError(t, f.local.Upload(ctx, key, []byte("mp3"), "audio/mpeg"))
	require.NoError(t, f.audios.Create(ctx, &audio.Audio{
		ID: common.NewULID(), StoryID: s.ID, UserID: ownerID, Status: audio.StatusReady, StoragePath: &key,
	}))

	w, env := f.do(t, http.MethodDelete, "/story/audio/"+s.ID, nil, bearer(t, ownerID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"deleted":1}`, string(env.Data))

	rows, err := f.audios.ListByStory(ctx, s.ID, ownerID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestServeMedia(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()

	key := "users/u/stories/s/a.mp3"
	require.NoError(t, f.local.Upload(ctx, key, []byte("ID3-audio"), "audio/mpeg"))
	signed, err := f.local.SignedURL(ctx, key, time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	w, _ := f.do(t, http.MethodGet, u.RequestURI(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ID3-audio", w.Body.String())

	w, _ = f.do(t, http.MethodGet, "/media/audios/"+key+"?token=bogus", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	other, err := f.local.SignedURL(ctx, "users/u/stories/s/b.mp3", time.Minute)
	require.NoError(t, err)
	ou, err := url.Parse(other)
	require.NoError(t, err)
	w, _ = f.do(t, http.MethodGet, "/media/audios/"+key+"?"+ou.RawQuery, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "token bound to another key")
}

func TestPingAndNoRoute(t *testing.T) {
	f := newFixture(t, config.Config{})

	w, env := f.do(t, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.Code)

	w, env = f.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, config.Config{})
	w, env := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"database":"up"}`, string(env.Data))

	h := handlers.NewHandler(handlers.Deps{
		Cfg:    config.Config{JWTSecret: jwtSecret},
		DBPing: func(ctx context.Context) error { return errors.New("connection refused") },
	})
	down := &fixture{router: NewRouter(h, zap.NewNop())}
	w, env = down.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 50301, env.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, config.Config{CORSAllowedOrigins: []string{"https://app.test"}})

	req := httptest.NewRequest(http.MethodOptions, "/story/start", nil)
	req.Header.Set("Origin", "https://app.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.test", w.Header().Get("Access-Control-Allow-Origin"))
}
