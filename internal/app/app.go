package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/suPer8Hu/storyteller/internal/ai"
	"github.com/suPer8Hu/storyteller/internal/audio"
	"github.com/suPer8Hu/storyteller/internal/config"
	"github.com/suPer8Hu/storyteller/internal/db"
	"github.com/suPer8Hu/storyteller/internal/jobs"
	"github.com/suPer8Hu/storyteller/internal/storage"
	"github.com/suPer8Hu/storyteller/internal/store/rabbitmq"
	"github.com/suPer8Hu/storyteller/internal/store/redisstore"
	"github.com/suPer8Hu/storyteller/internal/story"
	"github.com/suPer8Hu/storyteller/internal/tts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the components shared by the API server and the worker.
type App struct {
	Cfg config.Config
	Log *zap.Logger
	DB  *gorm.DB

	Stories  *story.Repo
	Audios   *audio.Repo
	AudioSvc *audio.Service
	Queue    *jobs.Queue
	Proc     *jobs.Processor
	Local    *storage.LocalFS // nil with the gcs backend

	closers []func() error
}

func Models() []any {
	return []any{&story.Story{}, &audio.Audio{}, &jobs.Job{}}
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	gdb, err := db.Open(cfg.DBDSN, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb, Models()...); err != nil {
		return nil, err
	}
	a := &App{Cfg: cfg, Log: log, DB: gdb}
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	store, err := a.objectStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	reg := NewRegistry(cfg)
	gen := story.NewGenerator(reg, cfg.AIProvider, cfg.AIModel, cfg.AITimeout, log.Named("generator"))

	taskClient := tts.NewClient(cfg.TTSBaseURL, cfg.TTSAPIKey,
		tts.WithHTTPClient(&http.Client{Timeout: cfg.TTSRequestTimeout}))

	a.Stories = story.NewRepo(gdb)
	a.Audios = audio.NewRepo(gdb)
	a.AudioSvc = audio.NewService(a.Stories, a.Audios, taskClient, store, audio.Config{
		MaxChars:       cfg.TTSMaxChars,
		Timeout:        cfg.TTSTimeout,
		PollInterval:   cfg.TTSPollInterval,
		DefaultVoiceID: cfg.TTSVoiceID,
		Params: tts.Params{
			ModelID:         cfg.TTSModelID,
			Style:           cfg.TTSStyle,
			Speed:           cfg.TTSSpeed,
			Similarity:      cfg.TTSSimilarity,
			Stability:       cfg.TTSStability,
			UseSpeakerBoost: cfg.TTSSpeakerBoost,
		},
	}, log.Named("audio"))

	a.Queue = jobs.NewQueue(gdb, jobs.Config{
		StaleAfter:        cfg.JobStaleAfter,
		HeartbeatInterval: cfg.JobHeartbeatInterval,
		AudioTimeout:      cfg.TTSTimeout,
	}, log.Named("queue"))
	a.Proc = jobs.NewProcessor(a.Queue, a.Stories, gen, a.AudioSvc, log.Named("processor"))

	log.Info("app ready",
		zap.String("ai_provider", cfg.AIProvider),
		zap.String("storage", cfg.StorageBackend),
		zap.Duration("job_stale_after", a.Queue.StaleAfter()),
	)
	return a, nil
}

func (a *App) objectStore(ctx context.Context) (storage.ObjectStore, error) {
	switch a.Cfg.StorageBackend {
	case "gcs":
		g, err := storage.NewGCS(ctx, a.Cfg.AudioBucket, a.Cfg.GCSCredentialsFile, a.Cfg.GCSPublic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	default:
		signer, err := storage.NewSigner(a.Cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		l, err := storage.NewLocalFS(storage.LocalOptions{
			Root:      a.Cfg.StorageLocalRoot,
			Bucket:    a.Cfg.AudioBucket,
			PublicURL: a.Cfg.StoragePublicURL,
			MediaURL:  a.Cfg.MediaBaseURL,
			Signer:    signer,
		})
		if err != nil {
			return nil, err
		}
		a.Local = l
		return l, nil
	}
}

// NewRegistry registers every supported LLM backend. Unconfigured ones
// fail on first use, not at startup.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	pick := func(model, fallback string) string {
		if m := strings.TrimSpace(model); m != "" {
			return m
		}
		return fallback
	}

	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		p, err := ai.NewOpenAIProvider(ai.OpenAIOptions{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   pick(model, cfg.OpenAIModel),
			Timeout: cfg.AITimeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		p, err := ai.NewOpenAIProvider(ai.OpenAIOptions{
			BaseURL: cfg.OpenRouterBaseURL,
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   pick(model, cfg.OpenRouterModel),
			Timeout: cfg.AITimeout,
			SiteURL: cfg.OpenRouterSiteURL,
			AppName: cfg.OpenRouterAppName,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		p, err := ai.NewOllamaProvider(cfg.OllamaBaseURL, pick(model, cfg.OllamaModel), cfg.AITimeout)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	return reg
}

// Trigger builds the post-create trigger selected by TRIGGER_MODE.
func (a *App) Trigger() (jobs.Trigger, error) {
	switch a.Cfg.TriggerMode {
	case "rabbitmq":
		pub, err := rabbitmq.NewPublisher(a.Cfg.RabbitURL, a.Cfg.RabbitQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	default:
		t := jobs.NewInlineTrigger(a.Proc, a.Cfg.TriggerTimeout, a.Log.Named("trigger"))
		a.closers = append(a.closers, func() error { t.Wait(); return nil })
		return t, nil
	}
}

// Limiter connects the Redis daily-limit store. It returns nil when Redis
// is not configured.
func (a *App) Limiter(ctx context.Context) (*redisstore.Store, error) {
	if strings.TrimSpace(a.Cfg.RedisAddr) == "" {
		return nil, nil
	}
	s, err := redisstore.New(ctx, a.Cfg.RedisAddr, a.Cfg.RedisPassword, a.Cfg.RedisDB, a.Log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close app: %w", errors.Join(errs...))
	}
	return nil
}
