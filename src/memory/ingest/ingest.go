// Package ingest turns chat turns into consolidated memories.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/concurrent"
	"github.com/Protocol-Lattice/go-recall/src/memory/consolidate"
	"github.com/Protocol-Lattice/go-recall/src/memory/embed"
	"github.com/Protocol-Lattice/go-recall/src/memory/extract"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Embedder turns candidate text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Consolidator persists one embedded candidate.
type Consolidator interface {
	Consolidate(ctx context.Context, cand consolidate.Candidate) (consolidate.Outcome, error)
}

// CandidateResult is what happened to one extracted candidate.
type CandidateResult struct {
	Text    string              `json:"text"`
	Outcome consolidate.Outcome `json:"outcome"`
	Err     error               `json:"-"`
	Error   string              `json:"error,omitempty"`
}

// Report summarizes the ingestion of one turn.
type Report struct {
	Owner     string            `json:"owner"`
	TurnRef   string            `json:"turn_ref"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []CandidateResult `json:"results"`
}

// Pipeline runs extraction, embedding and consolidation for chat turns.
type Pipeline struct {
	extractor    extract.Extractor
	embedder     Embedder
	consolidator Consolidator
	parallelism  int
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// New builds a pipeline embedding at most parallelism candidates at once.
func New(ex extract.Extractor, emb Embedder, cons Consolidator, parallelism int) (*Pipeline, error) {
	if ex == nil || emb == nil || cons == nil {
		return nil, fmt.Errorf("%w: ingest pipeline needs an extractor, an embedder and a consolidator", model.ErrInvalidConfig)
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Pipeline{
		extractor:    ex,
		embedder:     emb,
		consolidator: cons,
		parallelism:  parallelism,
		log:          zerolog.Nop(),
	}, nil
}

func (p *Pipeline) WithLogger(l zerolog.Logger) *Pipeline {
	p.log = l
	return p
}

func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Ingest extracts candidates from turn and stores each one. Candidates fail
// independently: the report lists every failure, and the returned error is
// reserved for an invalid turn or a failed extraction.
func (p *Pipeline) Ingest(ctx context.Context, turn model.ChatTurn) (Report, error) {
	if strings.TrimSpace(turn.Owner) == "" {
		return Report{}, fmt.Errorf("%w: turn owner is required", model.ErrInvalidInput)
	}
	report := Report{Owner: turn.Owner, TurnRef: turn.Ref()}
	if strings.TrimSpace(turn.Text) == "" {
		return report, nil
	}

	candidates, err := p.extractor.Extract(ctx, turn)
	if err != nil {
		return report, fmt.Errorf("extract candidates: %w", err)
	}
	return p.Store(ctx, turn.Owner, report.TurnRef, candidates), nil
}

// Store embeds and consolidates already extracted candidates for owner,
// tagging each with turnRef.
func (p *Pipeline) Store(ctx context.Context, owner, turnRef string, candidates []string) Report {
	report := Report{Owner: owner, TurnRef: turnRef}
	if len(candidates) == 0 {
		return report
	}

	ctx = embed.WithRequestCache(ctx)
	vectors := concurrent.MapSettled(ctx, candidates, p.parallelism, p.embedder.Embed)

	report.Results = make([]CandidateResult, len(candidates))
	for i, text := range candidates {
		res := CandidateResult{Text: text, Err: vectors[i].Err}
		if res.Err == nil {
			res.Outcome, res.Err = p.consolidator.Consolidate(ctx, consolidate.Candidate{
				Owner:     owner,
				Text:      text,
				Embedding: vectors[i].Value,
				SourceRef: turnRef,
			})
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
			report.Failed++
			p.metrics.IncIngestFailed()
			p.log.Warn().Err(res.Err).
				Str("owner", owner).
				Str("turn_ref", turnRef).
				Str("kind", model.Kind(res.Err)).
				Msg("candidate not stored")
		} else {
			report.Succeeded++
			p.metrics.IncIngestSucceeded()
			p.log.Debug().
				Str("owner", owner).
				Str("action", string(res.Outcome.Action)).
				Str("memory_id", res.Outcome.MemoryID).
				Msg("candidate stored")
		}
		report.Results[i] = res
	}
	return report
}
