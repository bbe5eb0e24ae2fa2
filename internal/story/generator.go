package story

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/storyteller/internal/ai"
	"go.uber.org/zap"
)

// Generator produces a story from the picked inputs through the configured
// LLM provider.
type Generator struct {
	reg      *ai.Registry
	provider string
	model    string
	timeout  time.Duration
	log      *zap.Logger
}

func NewGenerator(reg *ai.Registry, provider, model string, timeout time.Duration, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{reg: reg, provider: provider, model: model, timeout: timeout, log: log}
}

func (g *Generator) Generate(ctx context.Context, in Inputs) (Generated, error) {
	p, err := g.reg.Get(ctx, g.provider, g.model)
	if err != nil {
		return Generated{}, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := p.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: SystemPrompt},
		{Role: ai.RoleUser, Content: FormatPrompt(in)},
	})
	if err != nil {
		return Generated{}, fmt.Errorf("generate story: %w", err)
	}

	out, err := ParseReply(reply, in)
	if err != nil {
		return Generated{}, err
	}
	g.log.Info("story generated",
		zap.String("provider", g.provider),
		zap.Duration("took", time.Since(start)),
		zap.Int("chars", len(out.Text)),
	)
	return out, nil
}
