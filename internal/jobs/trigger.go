package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trigger is notified after a story and its job are committed. It must not
// block the request on processing; a lost trigger is covered by the
// worker sweep.
type Trigger interface {
	StoryCreated(ctx context.Context, storyID string) error
}

// InlineTrigger processes the new story's job in a background goroutine of
// the current process.
type InlineTrigger struct {
	proc    *Processor
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewInlineTrigger(proc *Processor, timeout time.Duration, log *zap.Logger) *InlineTrigger {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	return &InlineTrigger{proc: proc, timeout: timeout, log: log}
}

func (t *InlineTrigger) StoryCreated(_ context.Context, storyID string) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// detached from the request
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		res := t.proc.ProcessBatch(ctx, 1, storyID)
		if len(res.Errors) > 0 {
			t.log.Warn("inline processing reported errors",
				zap.String("story_id", storyID), zap.Strings("errors", res.Errors))
		}
	}()
	return nil
}

// Wait blocks until every started run has returned.
func (t *InlineTrigger) Wait() { t.wg.Wait() }

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, storyID string) error

func (f TriggerFunc) StoryCreated(ctx context.Context, storyID string) error { return f(ctx, storyID) }
