package consolidate

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/models"
)

// ContradictionDetector reports whether candidate replaces what existing said.
type ContradictionDetector interface {
	Contradicts(ctx context.Context, existing, candidate string) (bool, error)
}

// Merger folds candidate into existing. Implementations never drop content
// of existing.
type Merger interface {
	Merge(ctx context.Context, existing, candidate string) (string, error)
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "nobody": true, "nothing": true,
	"neither": true, "nor": true, "cannot": true, "without": true,
}

// Cues that the speaker is correcting an earlier statement.
var supersessionCues = []string{
	"actually", "now", "no longer", "anymore", "any more", "instead",
	"not anymore", "these days", "switched", "changed my mind", "moved to",
}

// HeuristicDetector flags a contradiction when a clause of the candidate
// restates a clause of the existing text with flipped negation, or when the candidate carries a correction cue that the
// existing text does not.
type HeuristicDetector struct{}

func (HeuristicDetector) Contradicts(_ context.Context, existing, candidate string) (bool, error) {
	if model.NormalizeText(existing) == model.NormalizeText(candidate) {
		return false, nil
	}
	if polarityFlips(existing, candidate) {
		return true, nil
	}
	oldPhrase := " " + strings.Join(model.Words(existing), " ") + " "
	newPhrase := " " + strings.Join(model.Words(candidate), " ") + " "
	for _, cue := range supersessionCues {
		needle := " " + cue + " "
		if strings.Contains(newPhrase, needle) && !strings.Contains(oldPhrase, needle) {
			return true, nil
		}
	}
	return false, nil
}

// clauseOverlap is the share of non-negation words two clauses must have in
// common to be read as statements about the same thing.
const clauseOverlap = 0.6

// polarityFlips reports whether some clause of candidate restates a clause
// of existing with the opposite negation polarity. Negations in clauses the
// candidate does not touch are ignored.
func polarityFlips(existing, candidate string) bool {
	old := clauses(existing)
	for _, c := range clauses(candidate) {
		for _, e := range old {
			if c.negated != e.negated && overlap(c.words, e.words) >= clauseOverlap {
				return true
			}
		}
	}
	return false
}

type clause struct {
	words   map[string]bool
	negated bool
}

var conjunctions = map[string]bool{"and": true, "but": true, "or": true, "so": true, "while": true}

// clauses splits text on sentence ends, commas, semicolons and coordinating
// conjunctions. A clause is negated when it holds an odd number of
// negations, so "don't not"-style double negatives cancel out.
func clauses(text string) []clause {
	var out []clause
	for _, sentence := range model.SplitSentences(text) {
		parts := strings.FieldsFunc(sentence, func(r rune) bool { return r == ',' || r == ';' || r == ':' })
		for _, part := range parts {
			cur := clause{words: map[string]bool{}}
			negs := 0
			flush := func() {
				if len(cur.words) > 0 || negs > 0 {
					cur.negated = negs%2 == 1
					out = append(out, cur)
				}
				cur, negs = clause{words: map[string]bool{}}, 0
			}
			for _, w := range model.Words(part) {
				w = strings.ReplaceAll(w, "’", "'")
				switch {
				case conjunctions[w]:
					flush()
				case negations[w] || strings.HasSuffix(w, "n't"):
					negs++
				default:
					cur.words[w] = true
				}
			}
			flush()
		}
	}
	return out
}

// overlap is the Jaccard index of two word sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

const contradictionPrompt = `You maintain long-term memories about a user.
Decide whether the NEW statement contradicts or replaces the OLD statement, so that the OLD one is no longer true.
Answer with a single word: YES or NO.

OLD: %s
NEW: %s`

// LLMDetector asks an LLM for a yes/no verdict and falls back to the
// heuristic when the model fails or answers something else.
type LLMDetector struct {
	LLM      models.LLM
	Fallback ContradictionDetector
	Log      zerolog.Logger
}

func (d LLMDetector) Contradicts(ctx context.Context, existing, candidate string) (bool, error) {
	fallback := d.Fallback
	if fallback == nil {
		fallback = HeuristicDetector{}
	}
	if d.LLM == nil {
		return fallback.Contradicts(ctx, existing, candidate)
	}
	reply, err := d.LLM.Generate(ctx, fmt.Sprintf(contradictionPrompt, existing, candidate))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.Log.Warn().Err(err).Msg("contradiction check failed, using heuristic")
		return fallback.Contradicts(ctx, existing, candidate)
	}
	answer := strings.ToUpper(strings.TrimSpace(reply))
	switch {
	case strings.HasPrefix(answer, "YES"):
		return true, nil
	case strings.HasPrefix(answer, "NO"):
		return false, nil
	}
	d.Log.Warn().Str("reply", truncate(reply, 80)).Msg("unexpected contradiction verdict, using heuristic")
	return fallback.Contradicts(ctx, existing, candidate)
}

// AppendMerger keeps the existing text and appends the candidate's sentences
// it does not already contain.
type AppendMerger struct{}

func (AppendMerger) Merge(_ context.Context, existing, candidate string) (string, error) {
	return appendMerge(existing, candidate), nil
}

func appendMerge(existing, candidate string) string {
	existing = strings.TrimSpace(existing)
	oldNorm := bare(existing)
	newNorm := bare(candidate)
	switch {
	case newNorm == "" || strings.Contains(oldNorm, newNorm):
		return existing
	case oldNorm == "" || strings.Contains(newNorm, oldNorm):
		return strings.TrimSpace(candidate)
	}

	var extra []string
	for _, s := range model.SplitSentences(candidate) {
		n := bare(s)
		if n == "" || strings.Contains(oldNorm, n) {
			continue
		}
		extra = append(extra, terminate(s))
		oldNorm += " " + n
	}
	if len(extra) == 0 {
		return existing
	}
	return terminate(existing) + " " + strings.Join(extra, " ")
}

func bare(s string) string {
	return strings.TrimRight(model.NormalizeText(s), ".!? ")
}

func terminate(s string) string {
	s = strings.TrimSpace(s)
	if r, _ := utf8.DecodeLastRuneInString(s); r == '.' || r == '!' || r == '?' {
		return s
	}
	return s + "."
}

const mergePrompt = `You maintain long-term memories about a user.
Combine the two statements below into one concise statement.
Keep every detail from both; do not add anything new. Reply with the combined statement only.

FIRST: %s
SECOND: %s`

// LLMMerger summarizes both texts with an LLM. A summary that loses a content
// word of either input is rejected in favour of AppendMerger.
type LLMMerger struct {
	LLM models.LLM
	Log zerolog.Logger
}

func (m LLMMerger) Merge(ctx context.Context, existing, candidate string) (string, error) {
	if m.LLM == nil {
		return appendMerge(existing, candidate), nil
	}
	reply, err := m.LLM.Generate(ctx, fmt.Sprintf(mergePrompt, existing, candidate))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.Log.Warn().Err(err).Msg("llm merge failed, appending instead")
		return appendMerge(existing, candidate), nil
	}
	merged := strings.TrimSpace(reply)
	if merged == "" || !keepsContent(merged, existing) || !keepsContent(merged, candidate) {
		m.Log.Debug().Str("merged", truncate(merged, 80)).Msg("llm merge dropped content, appending instead")
		return appendMerge(existing, candidate), nil
	}
	return merged, nil
}

// keepsContent reports whether every word of src longer than three letters
// appears in merged.
func keepsContent(merged, src string) bool {
	have := make(map[string]bool)
	for _, w := range model.Words(merged) {
		have[w] = true
	}
	for _, w := range model.Words(src) {
		if utf8.RuneCountInString(w) > 3 && !have[w] {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
