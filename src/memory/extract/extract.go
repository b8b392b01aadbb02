// Package extract decides which parts of a chat turn are worth remembering.
package extract

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Extractor turns one chat turn into zero or more candidate memory texts.
type Extractor interface {
	Extract(ctx context.Context, turn model.ChatTurn) ([]string, error)
}

// DefaultMinChars is the shortest sentence UserTurns keeps.
const DefaultMinChars = 8

// UserTurns keeps the declarative sentences of user turns. Assistant and
// system turns yield nothing.
type UserTurns struct {
	MinChars int
}

func (u UserTurns) Extract(ctx context.Context, turn model.ChatTurn) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if turn.Role != model.RoleUser {
		return nil, nil
	}
	minChars := u.MinChars
	if minChars <= 0 {
		minChars = DefaultMinChars
	}

	var out []string
	seen := make(map[string]bool)
	for _, s := range model.SplitSentences(turn.Text) {
		if strings.HasSuffix(s, "?") || utf8.RuneCountInString(s) < minChars {
			continue
		}
		key := model.NormalizeText(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out, nil
}

// Cycles buffers each owner's user messages and emits them as one candidate
// every N messages. Buffers live in process memory.
type Cycles struct {
	n   int
	mu  sync.Mutex
	buf map[string][]string
}

// NewCycles returns a Cycles extractor emitting every n user messages.
func NewCycles(n int) (*Cycles, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: cycle length must be positive", model.ErrInvalidConfig)
	}
	return &Cycles{n: n, buf: make(map[string][]string)}, nil
}

func (c *Cycles) Extract(ctx context.Context, turn model.ChatTurn) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(turn.Text)
	if turn.Role != model.RoleUser || text == "" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := append(c.buf[turn.Owner], text)
	if len(msgs) < c.n {
		c.buf[turn.Owner] = msgs
		return nil, nil
	}
	delete(c.buf, turn.Owner)
	return []string{strings.Join(msgs, " ")}, nil
}

// Owners lists the owners with buffered messages, sorted.
func (c *Cycles) Owners() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	owners := make([]string, 0, len(c.buf))
	for owner := range c.buf {
		owners = append(owners, owner)
	}
	slices.Sort(owners)
	return owners
}

// Pending reports how many messages are buffered for owner.
func (c *Cycles) Pending(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf[owner])
}

// Flush drains owner's buffer as a single candidate, if any.
func (c *Cycles) Flush(owner string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.buf[owner]
	delete(c.buf, owner)
	if len(msgs) == 0 {
		return nil
	}
	return []string{strings.Join(msgs, " ")}
}

// Forget drops owner's buffer without emitting it.
func (c *Cycles) Forget(owner string) {
	c.mu.Lock()
	delete(c.buf, owner)
	c.mu.Unlock()
}
