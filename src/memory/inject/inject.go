// Package inject renders recalled memories into a prompt block that respects
// a size budget.
package inject

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/alpkeskin/gotoon"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Format selects how memories are rendered.
type Format string

const (
	FormatList Format = "list"
	FormatTOON Format = "toon"
)

// Unit selects how the budget is measured.
type Unit string

const (
	UnitChars  Unit = "chars"
	UnitTokens Unit = "tokens"
)

const (
	DefaultHeader         = "Relevant memories about the user:"
	DefaultSystemTemplate = "This is your inner voice talking. You remember this about the person you're chatting with: %s"
	ellipsis              = "…"
)

// Options configures an Injector.
type Options struct {
	// Budget bounds the injected system message, template included.
	Budget int
	Unit   Unit
	Format Format
	// Header precedes the rendered memories.
	Header string
	// SystemTemplate wraps the block in the system message; the first %s is
	// replaced by the block text.
	SystemTemplate string
}

// Block is the rendered memory context.
type Block struct {
	Text     string         `json:"text"`
	Included []model.Scored `json:"included"`
	Dropped  int            `json:"dropped"`
}

// Empty reports whether the block carries no memories.
func (b Block) Empty() bool { return len(b.Included) == 0 }

// Injector formats memories under a budget.
type Injector struct {
	opts Options
}

func New(opts Options) (*Injector, error) {
	if opts.Budget <= 0 {
		return nil, fmt.Errorf("%w: context budget must be positive", model.ErrInvalidConfig)
	}
	if opts.Unit == "" {
		opts.Unit = UnitChars
	}
	if opts.Format == "" {
		opts.Format = FormatList
	}
	switch opts.Unit {
	case UnitChars, UnitTokens:
	default:
		return nil, fmt.Errorf("%w: unknown budget unit %q", model.ErrInvalidConfig, opts.Unit)
	}
	switch opts.Format {
	case FormatList, FormatTOON:
	default:
		return nil, fmt.Errorf("%w: unknown context format %q", model.ErrInvalidConfig, opts.Format)
	}
	if opts.Header == "" {
		opts.Header = DefaultHeader
	}
	if opts.SystemTemplate == "" {
		opts.SystemTemplate = DefaultSystemTemplate
	}
	if !strings.Contains(opts.SystemTemplate, "%s") {
		opts.SystemTemplate += " %s"
	}
	return &Injector{opts: opts}, nil
}

// Measure returns the size of s in the configured unit. Tokens are estimated
// at four characters each, rounded up.
func (i *Injector) Measure(s string) int {
	n := utf8.RuneCountInString(s)
	if i.opts.Unit == UnitTokens {
		return (n + 3) / 4
	}
	return n
}

// Inject renders memories in the given order, dropping the lowest-ranked
// ones until the system message carrying the block fits the budget. When even the top memory does not
// fit on its own it is truncated.
func (i *Injector) Inject(memories []model.Scored) Block {
	if len(memories) == 0 {
		return Block{}
	}

	included := make([]model.Scored, 0, len(memories))
	text := ""
	for _, m := range memories {
		next := append(included, m)
		rendered, err := i.render(next)
		if err != nil || !i.fits(rendered) {
			break
		}
		included, text = next, rendered
	}

	if len(included) == 0 {
		top, rendered, ok := i.truncateTop(memories[0])
		if !ok {
			return Block{Dropped: len(memories)}
		}
		included, text = []model.Scored{top}, rendered
	}
	return Block{Text: text, Included: included, Dropped: len(memories) - len(included)}
}

// truncateTop finds the longest rune prefix of m's text that still renders
// within budget.
func (i *Injector) truncateTop(m model.Scored) (model.Scored, string, bool) {
	runes := []rune(m.Memory.Text)
	lo, hi := 1, len(runes)-1
	var (
		best     model.Scored
		bestText string
		found    bool
	)
	for lo <= hi {
		mid := (lo + hi) / 2
		cut := m
		cut.Memory.Text = strings.TrimSpace(string(runes[:mid])) + ellipsis
		rendered, err := i.render([]model.Scored{cut})
		if err == nil && i.fits(rendered) {
			best, bestText, found = cut, rendered, true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, bestText, found
}

func (i *Injector) fits(rendered string) bool {
	return i.Measure(i.wrap(rendered)) <= i.opts.Budget
}

func (i *Injector) wrap(text string) string {
	return strings.Replace(i.opts.SystemTemplate, "%s", text, 1)
}

type toonMemory struct {
	Text string `json:"text"`
}

func (i *Injector) render(memories []model.Scored) (string, error) {
	var b strings.Builder
	b.WriteString(i.opts.Header)
	b.WriteByte('\n')
	switch i.opts.Format {
	case FormatTOON:
		items := make([]toonMemory, len(memories))
		for n, m := range memories {
			items[n] = toonMemory{Text: m.Memory.Text}
		}
		encoded, err := gotoon.Encode(map[string]any{"memories": items})
		if err != nil {
			return "", err
		}
		b.WriteString(encoded)
	default:
		for n, m := range memories {
			if n > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- ")
			b.WriteString(oneLine(m.Memory.Text))
		}
	}
	return b.String(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// InjectMessages returns messages with a system message carrying block
// prepended. An empty block leaves messages untouched. The input slice is
// never modified.
func (i *Injector) InjectMessages(messages []model.Message, block Block) []model.Message {
	if block.Empty() {
		return messages
	}
	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, model.Message{
		Role:    model.RoleSystem,
		Content: i.wrap(block.Text),
	})
	return append(out, messages...)
}
