package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status describes where a memory is in its lifecycle.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusDeleted    Status = "deleted"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusDeleted:
		return true
	}
	return false
}

// Memory is a persisted, embedded fact derived from chat history and scoped to one owner.
type Memory struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	SourceRefs   []string  `json:"source_refs"`
	Status       Status    `json:"status"`
	SupersededBy string    `json:"superseded_by,omitempty"`
}

// Active reports whether the memory can be returned by retrieval.
func (m Memory) Active() bool { return m.Status == StatusActive }

// Clone returns a deep copy so callers never share slices with a store.
func (m Memory) Clone() Memory {
	out := m
	if m.Embedding != nil {
		out.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.SourceRefs != nil {
		out.SourceRefs = append([]string(nil), m.SourceRefs...)
	}
	return out
}

// AppendSourceRef appends ref unless it is empty or already recorded.
// Provenance is append-only: existing refs are never removed or reordered.
func AppendSourceRef(refs []string, ref string) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return refs
	}
	for _, existing := range refs {
		if existing == ref {
			return refs
		}
	}
	return append(refs, ref)
}

// Scored is a search hit: a memory and its cosine similarity to the query.
type Scored struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// Roles used by chat turns and messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatTurn is one message of a conversation as delivered by the host chat framework.
// It is never mutated by the memory subsystem.
type ChatTurn struct {
	ID        string    `json:"id,omitempty"`
	Owner     string    `json:"owner"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Ref returns the turn identifier used for provenance. Turns without an
// explicit ID get a deterministic one so replaying a turn yields the same ref.
func (t ChatTurn) Ref() string {
	if id := strings.TrimSpace(t.ID); id != "" {
		return id
	}
	h := sha256.New()
	h.Write([]byte(t.Owner))
	h.Write([]byte{0})
	h.Write([]byte(t.Role))
	h.Write([]byte{0})
	h.Write([]byte(t.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(t.Text))
	return "turn-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Message is an entry of the prompt/message stream forwarded to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LastUserMessage returns the content of the most recent user message.
func LastUserMessage(messages []Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}

// NormalizeText lowercases, trims and collapses whitespace. It is used for
// exact-duplicate detection and never for persisted text.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
