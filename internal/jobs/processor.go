package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/storyteller/internal/audio"
	"github.com/suPer8Hu/storyteller/internal/story"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type StoryStore interface {
	Get(ctx context.Context, id string) (*story.Story, error)
	SetStatus(ctx context.Context, id string, status story.Status) error
	SaveGenerated(ctx context.Context, id, title, text string, at time.Time) error
	MarkError(ctx context.Context, id, msg string) error
}

type StoryGenerator interface {
	Generate(ctx context.Context, in story.Inputs) (story.Generated, error)
}

type Narrator interface {
	HasReady(ctx context.Context, storyID string) (bool, error)
	GenerateForStory(ctx context.Context, req audio.Request) (*audio.Result, error)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type BatchResult struct {
	Processed int      `json:"processed"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

const (
	msgStoryNotFound   = "story not found"
	msgWaitingForAudio = "waiting for narration audio"
	cleanupTimeout     = 10 * time.Second
)

// Processor drives one story through text generation and narration per
// claimed job. Every step checks what is already persisted, so a job that
// is reclaimed after a crash resumes instead of starting over.
type Processor struct {
	queue     *Queue
	stories   StoryStore
	generator StoryGenerator
	narrator  Narrator
	log       *zap.Logger
	now       func() time.Time
}

func NewProcessor(q *Queue, stories StoryStore, gen StoryGenerator, narrator Narrator, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		queue:     q,
		stories:   stories,
		generator: gen,
		narrator:  narrator,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch claims and processes up to maxJobs jobs in sequence. With
// onlyStoryID set it handles at most one job of that story.
func (p *Processor) ProcessBatch(ctx context.Context, maxJobs int, onlyStoryID string) BatchResult {
	res := BatchResult{Errors: []string{}}
	maxJobs = ClampMaxJobs(maxJobs)

	for i := 0; i < maxJobs; i++ {
		if ctx.Err() != nil {
			break
		}
		job, err := p.queue.ClaimNext(ctx, onlyStoryID)
		if err != nil {
			p.log.Error("claim job failed", zap.Error(err))
			res.Errors = append(res.Errors, err.Error())
			break
		}
		if job == nil {
			break
		}

		res.Processed++
		switch p.ProcessOne(ctx, job) {
		case OutcomeCompleted:
			res.Completed++
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
		}

		if onlyStoryID != "" {
			break
		}
	}
	return res
}

// ProcessOne runs a claimed job to an outcome. Errors are recorded on the
// job and story rather than returned.
func (p *Processor) ProcessOne(ctx context.Context, job *Job) (outcome Outcome) {
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("story_id", job.StoryID),
		zap.Int("attempt", job.Attempts),
	)
	start := time.Now()
	stop := p.queue.StartHeartbeat(ctx, job.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			stop()
			p.fail(ctx, log, job, fmt.Errorf("panic: %v", r))
			outcome = OutcomeFailed
		}
		stop()
		jobOutcomes.WithLabelValues(string(outcome)).Inc()
		jobDuration.Observe(time.Since(start).Seconds())
		log.Info("job finished", zap.String("outcome", string(outcome)), zap.Duration("took", time.Since(start)))
	}()

	out, err := p.run(ctx, log, job)
	if err != nil {
		stop()
		p.fail(ctx, log, job, err)
		return OutcomeFailed
	}
	return out
}

func (p *Processor) run(ctx context.Context, log *zap.Logger, job *Job) (Outcome, error) {
	st, err := p.stories.Get(ctx, job.StoryID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := p.queue.MarkFailed(ctx, job.ID, msgStoryNotFound); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}
	if err != nil {
		return "", fmt.Errorf("load story: %w", err)
	}

	in, err := story.ParseInputs(st.Inputs)
	if err != nil || len(in) == 0 {
		msg := story.ErrInvalidInputs.Error()
		if err := p.stories.MarkError(ctx, st.ID, msg); err != nil {
			return "", err
		}
		if err := p.queue.MarkFailed(ctx, job.ID, msg); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}

	if !st.Status.Resumable() {
		log.Info("story already settled, skipping", zap.String("status", string(st.Status)))
		if err := p.queue.MarkCompleted(ctx, job.ID); err != nil {
			return "", err
		}
		return OutcomeSkipped, nil
	}

	if strings.TrimSpace(st.StoryText) == "" {
		if err := p.stories.SetStatus(ctx, st.ID, story.StatusGeneratingStory); err != nil {
			return "", err
		}
		gen, err := p.generator.Generate(ctx, in)
		if err != nil {
			return "", fmt.Errorf("generate story: %w", err)
		}
		if err := p.stories.SaveGenerated(ctx, st.ID, gen.Title, gen.Text, p.now()); err != nil {
			return "", err
		}
		st.Title, st.StoryText = gen.Title, gen.Text
	} else if st.Status == story.StatusPending || st.Status == story.StatusGeneratingStory {
		// Text was saved but the status update was lost.
		if err := p.stories.SetStatus(ctx, st.ID, story.StatusGenerated); err != nil {
			return "", err
		}
	}

	waiting := false
	if voice := in.NarratorVoiceID(); voice != "" {
		if waiting, err = p.narrate(ctx, log, st, voice); err != nil {
			return "", err
		}
	}

	// The story has settled; the job transition must land even if the
	// caller has gone away.
	sctx, cancel := detached(ctx)
	defer cancel()
	if waiting {
		if err := p.queue.MarkPending(sctx, job.ID, msgWaitingForAudio); err != nil {
			return "", err
		}
		return OutcomeSkipped, nil
	}
	if err := p.queue.MarkCompleted(sctx, job.ID); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// narrate advances the story's audio. It reports waiting when the provider
// task is still running and the job should be picked up again later.
func (p *Processor) narrate(ctx context.Context, log *zap.Logger, st *story.Story, voiceID string) (waiting bool, err error) {
	ready, err := p.narrator.HasReady(ctx, st.ID)
	if err != nil {
		return false, fmt.Errorf("check audio: %w", err)
	}
	if ready {
		return false, p.stories.SetStatus(ctx, st.ID, story.StatusReady)
	}

	if err := p.stories.SetStatus(ctx, st.ID, story.StatusGeneratingAudio); err != nil {
		return false, err
	}
	res, genErr := p.narrator.GenerateForStory(ctx, audio.Request{
		StoryID: st.ID,
		UserID:  st.UserID,
		VoiceID: voiceID,
	})
	switch {
	case genErr != nil:
		// The text is still usable; narration can be retried on demand.
		log.Warn("narration failed, keeping generated text", zap.Error(genErr))
		sctx, cancel := detached(ctx)
		defer cancel()
		return false, p.stories.SetStatus(sctx, st.ID, story.StatusGenerated)
	case res.Status == audio.StatusReady:
		return false, p.stories.SetStatus(ctx, st.ID, story.StatusReady)
	default:
		return true, nil
	}
}

// fail records err on both the story and the job. Each write is attempted
// on its own; failures are logged only.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, job *Job, err error) {
	msg := truncate(err.Error(), maxErrorLen)
	log.Error("job failed", zap.Error(err))

	cctx, cancel := detached(ctx)
	defer cancel()
	if uerr := p.stories.MarkError(cctx, job.StoryID, msg); uerr != nil {
		log.Error("mark story error failed", zap.Error(uerr))
	}
	if uerr := p.queue.MarkFailed(cctx, job.ID, msg); uerr != nil {
		log.Error("mark job failed failed", zap.Error(uerr))
	}
}

// detached keeps ctx's values but not its cancellation, bounded by
// cleanupTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
