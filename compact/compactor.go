// Package compact bounds the turn history fed into a reasoning call. Old
// turns are folded into a summary prefix; the most recent turns always pass
// through verbatim.
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/runplaneHQ/runplane-go/types"
)

const (
	// DefaultBudgetTokens is a safe ceiling that stays well under common
	// provider rate limits, leaving room for system prompts.
	DefaultBudgetTokens = 25000

	// charsPerToken is an approximate ratio for token estimation.
	// Most LLMs average ~4 characters per token for English text.
	charsPerToken = 4

	// DefaultKeepLast is how many recent turns are never summarized.
	DefaultKeepLast = 12

	truncationMarker = "\n[...truncated to fit context budget]"
)

// Target selects which roles are eligible for summarization. Turns outside
// the target pass through verbatim regardless of age.
type Target string

const (
	TargetAll       Target = "all"
	TargetUser      Target = "user"
	TargetAssistant Target = "assistant"
)

// Window is the bounded turn set for one reasoning call. It is derived,
// never persisted; the full history stays in the store.
type Window struct {
	Turns         []types.Turn `json:"turns"`
	SummaryPrefix *types.Turn  `json:"summaryPrefix,omitempty"`
	BudgetTokens  int          `json:"budgetTokens"`
	Truncated     bool         `json:"truncated,omitempty"`
}

// TotalTokens is the window's approximate token footprint, summary included.
func (w Window) TotalTokens() int {
	total := 0
	if w.SummaryPrefix != nil {
		total += w.SummaryPrefix.ApproxTokens
	}
	for _, turn := range w.Turns {
		total += turn.ApproxTokens
	}
	return total
}

// SummaryFunc produces an abstractive summary of the given turns, e.g. by a
// reasoner call. Returning an error falls back to the deterministic digest.
type SummaryFunc func(ctx context.Context, turns []types.Turn) (string, error)

type Compactor struct {
	budgetTokens int
	keepLast     int
	target       Target
	summarize    SummaryFunc
}

type Option func(*Compactor)

func WithBudget(tokens int) Option {
	return func(c *Compactor) {
		if tokens > 0 {
			c.budgetTokens = tokens
		}
	}
}

func WithKeepLast(n int) Option {
	return func(c *Compactor) {
		if n > 0 {
			c.keepLast = n
		}
	}
}

func WithTarget(target Target) Option {
	return func(c *Compactor) {
		if target != "" {
			c.target = target
		}
	}
}

// WithSummarizer installs an abstractive summarizer. Without one the
// compactor emits a deterministic digest.
func WithSummarizer(fn SummaryFunc) Option {
	return func(c *Compactor) {
		c.summarize = fn
	}
}

func New(opts ...Option) *Compactor {
	c := &Compactor{
		budgetTokens: DefaultBudgetTokens,
		keepLast:     DefaultKeepLast,
		target:       TargetAll,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateTokens provides a rough token count for a string.
// This uses a simple character-based heuristic (~4 chars per token).
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateTurnTokens estimates tokens for a single turn, including role
// overhead.
func EstimateTurnTokens(turn types.Turn) int {
	return 4 + EstimateTokens(turn.Content)
}

// Compact derives a window from the full history. The returned window's
// total approximate token count is <= the budget, except when a single turn
// alone exceeds it; then the turn content is cut to fit and Truncated is set
// so callers can warn instead of silently degrading.
func (c *Compactor) Compact(ctx context.Context, history []types.Turn) (Window, error) {
	window := Window{BudgetTokens: c.budgetTokens}
	if len(history) == 0 {
		return window, nil
	}

	turns := make([]types.Turn, len(history))
	total := 0
	for i, turn := range history {
		turn.ApproxTokens = EstimateTurnTokens(turn)
		turns[i] = turn
		total += turn.ApproxTokens
	}

	if total <= c.budgetTokens {
		window.Turns = turns
		return window, nil
	}

	keep := c.keepLast
	if keep > len(turns) {
		keep = len(turns)
	}
	early := turns[:len(turns)-keep]
	recent := turns[len(turns)-keep:]

	// Only target-role turns are summarized away; the rest of `early` rides
	// along verbatim.
	var compactable, passthrough []types.Turn
	for _, turn := range early {
		if c.inTarget(turn) {
			compactable = append(compactable, turn)
		} else {
			passthrough = append(passthrough, turn)
		}
	}

	if len(compactable) > 0 {
		summary := c.summarizeTurns(ctx, compactable)
		prefix := types.Turn{
			Role:    types.RoleSystem,
			Content: summary,
		}
		prefix.ApproxTokens = EstimateTurnTokens(prefix)
		window.SummaryPrefix = &prefix
	}

	window.Turns = append(passthrough, recent...)

	// Re-validate; a pathological long turn can still blow the budget.
	for window.TotalTokens() > c.budgetTokens {
		if !c.truncateOldest(&window) {
			break
		}
	}
	return window, nil
}

func (c *Compactor) inTarget(turn types.Turn) bool {
	switch c.target {
	case TargetUser:
		return turn.Role == types.RoleUser
	case TargetAssistant:
		return turn.Role == types.RoleAssistant
	default:
		return true
	}
}

func (c *Compactor) summarizeTurns(ctx context.Context, turns []types.Turn) string {
	if c.summarize != nil {
		summary, err := c.summarize(ctx, turns)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summaryHeader(len(turns)) + "\n" + summary + "\n" + summaryFooter
		}
	}
	return digest(turns)
}

// digest is the deterministic fallback summary: role counts and leading
// fragments, no reasoner involved.
func digest(turns []types.Turn) string {
	counts := map[types.Role]int{}
	var fragments []string
	for _, turn := range turns {
		counts[turn.Role]++
		if len(fragments) < 5 && strings.TrimSpace(turn.Content) != "" {
			fragments = append(fragments, string(turn.Role)+": "+firstLine(turn.Content, 120))
		}
	}

	var b strings.Builder
	b.WriteString(summaryHeader(len(turns)))
	b.WriteString(fmt.Sprintf("\n%d user, %d assistant, %d system turn(s) compacted.",
		counts[types.RoleUser], counts[types.RoleAssistant], counts[types.RoleSystem]))
	for _, fragment := range fragments {
		b.WriteString("\n- " + fragment)
	}
	b.WriteString("\n" + summaryFooter)
	return b.String()
}

// firstLine returns the first line of s, cut to at most max characters.
func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}

func summaryHeader(n int) string {
	return fmt.Sprintf("[Summary of %d earlier turn(s)]", n)
}

const summaryFooter = "[End of summary. The verbatim turns below take precedence on conflict.]"

// truncateOldest cuts the oldest verbatim turn's content down so the window
// fits the budget, marking the cut explicitly. Returns false once nothing
// more can be cut.
func (c *Compactor) truncateOldest(window *Window) bool {
	over := window.TotalTokens() - window.BudgetTokens
	if over <= 0 {
		return false
	}
	floor := EstimateTokens(truncationMarker) + 4
	for i := range window.Turns {
		turn := &window.Turns[i]
		if turn.ApproxTokens <= floor {
			continue
		}
		// The 4-token role overhead survives the cut, so subtract it from the
		// kept budget too.
		keepChars := (turn.ApproxTokens - over - 4) * charsPerToken
		keepChars -= len(truncationMarker)
		if keepChars < 0 {
			keepChars = 0
		}
		if keepChars >= len(turn.Content) {
			keepChars = len(turn.Content) - 1
		}
		before := turn.ApproxTokens
		turn.Content = turn.Content[:keepChars] + truncationMarker
		turn.ApproxTokens = EstimateTurnTokens(*turn)
		window.Truncated = true
		if turn.ApproxTokens < before {
			return true
		}
	}
	return false
}
