// Package metrics holds the in-process counters of the memory layer.
package metrics

import "sync/atomic"

// Metrics captures lightweight runtime counters for observability.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ingestSucceeded    atomic.Int64
	ingestFailed       atomic.Int64
	inserted           atomic.Int64
	merged             atomic.Int64
	superseded         atomic.Int64
	reembedded         atomic.Int64
	retrievals         atomic.Int64
	retrievalsDegraded atomic.Int64
	returned           atomic.Int64
	scopeViolations    atomic.Int64
	conflictsRetried   atomic.Int64
	embedRetries       atomic.Int64
	cacheHits          atomic.Int64
}

func (m *Metrics) IncIngestSucceeded() {
	if m != nil {
		m.ingestSucceeded.Add(1)
	}
}

func (m *Metrics) IncIngestFailed() {
	if m != nil {
		m.ingestFailed.Add(1)
	}
}

func (m *Metrics) IncInserted() {
	if m != nil {
		m.inserted.Add(1)
	}
}

func (m *Metrics) IncMerged() {
	if m != nil {
		m.merged.Add(1)
	}
}

func (m *Metrics) IncSuperseded() {
	if m != nil {
		m.superseded.Add(1)
	}
}

func (m *Metrics) IncReembedded() {
	if m != nil {
		m.reembedded.Add(1)
	}
}

func (m *Metrics) IncRetrieval() {
	if m != nil {
		m.retrievals.Add(1)
	}
}

func (m *Metrics) IncDegraded() {
	if m != nil {
		m.retrievalsDegraded.Add(1)
	}
}

func (m *Metrics) IncReturned(n int) {
	if m != nil {
		m.returned.Add(int64(n))
	}
}

func (m *Metrics) IncScopeViolation() {
	if m != nil {
		m.scopeViolations.Add(1)
	}
}

func (m *Metrics) IncConflictRetried() {
	if m != nil {
		m.conflictsRetried.Add(1)
	}
}

func (m *Metrics) IncEmbedRetry() {
	if m != nil {
		m.embedRetries.Add(1)
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters for reporting/logging.
type Snapshot struct {
	IngestSucceeded    int64 `json:"ingest_succeeded"`
	IngestFailed       int64 `json:"ingest_failed"`
	Inserted           int64 `json:"inserted"`
	Merged             int64 `json:"merged"`
	Superseded         int64 `json:"superseded"`
	Reembedded         int64 `json:"reembedded"`
	Retrievals         int64 `json:"retrievals"`
	RetrievalsDegraded int64 `json:"retrievals_degraded"`
	Returned           int64 `json:"returned"`
	ScopeViolations    int64 `json:"scope_violations"`
	ConflictsRetried   int64 `json:"conflicts_retried"`
	EmbedRetries       int64 `json:"embed_retries"`
	CacheHits          int64 `json:"cache_hits"`
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		IngestSucceeded:    m.ingestSucceeded.Load(),
		IngestFailed:       m.ingestFailed.Load(),
		Inserted:           m.inserted.Load(),
		Merged:             m.merged.Load(),
		Superseded:         m.superseded.Load(),
		Reembedded:         m.reembedded.Load(),
		Retrievals:         m.retrievals.Load(),
		RetrievalsDegraded: m.retrievalsDegraded.Load(),
		Returned:           m.returned.Load(),
		ScopeViolations:    m.scopeViolations.Load(),
		ConflictsRetried:   m.conflictsRetried.Load(),
		EmbedRetries:       m.embedRetries.Load(),
		CacheHits:          m.cacheHits.Load(),
	}
}
