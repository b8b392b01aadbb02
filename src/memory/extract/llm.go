package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/models"
)

const factsPrompt = `Extract durable facts about the user from the message below: preferences, biography, relationships, plans.
Write each fact as a short standalone sentence in the third person, one per line.
If there is nothing worth remembering, reply with NONE.

Message: %s`

// LLM asks a language model for durable facts and falls back to its
// Fallback extractor when the model is unavailable.
type LLM struct {
	model    models.LLM
	fallback Extractor
	log      zerolog.Logger
}

// NewLLM builds an LLM extractor. A nil fallback means UserTurns.
func NewLLM(llm models.LLM, fallback Extractor, log zerolog.Logger) (*LLM, error) {
	if llm == nil {
		return nil, fmt.Errorf("%w: llm extractor needs a model", model.ErrInvalidConfig)
	}
	if fallback == nil {
		fallback = UserTurns{}
	}
	return &LLM{model: llm, fallback: fallback, log: log}, nil
}

func (e *LLM) Extract(ctx context.Context, turn model.ChatTurn) ([]string, error) {
	if turn.Role != model.RoleUser || strings.TrimSpace(turn.Text) == "" {
		return nil, nil
	}
	reply, err := e.model.Generate(ctx, fmt.Sprintf(factsPrompt, turn.Text))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn().Err(err).Str("owner", turn.Owner).Msg("fact extraction failed, using fallback")
		return e.fallback.Extract(ctx, turn)
	}
	return parseFacts(reply), nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)

func parseFacts(reply string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line == "" || strings.EqualFold(strings.TrimRight(line, "."), "none") {
			continue
		}
		key := model.NormalizeText(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	return out
}
