// Package analyzer implements the per-contact analyzers and the narrative
// generators. Each analyzer is stateless and side-effect-free: it consumes
// activity text plus contact/deal context and returns a small structured
// proposal, so the orchestrator can fan them out in parallel.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sells-group/deal-intel/internal/inference"
	"github.com/sells-group/deal-intel/internal/model"
)

// History windows fed to the narrative generator. Older entries still exist
// in the record; they just don't ride along in the prompt.
const (
	scoreHistoryWindow    = 15
	responsivenessWindow  = 10
	indicatorWindow       = 20
	patternWindow         = 20
	threadWindow          = 12
	degradedThreadWindow  = 4
	degradedHistoryWindow = 5
)

// Per-item character caps for serialized context.
const (
	messageCharLimit         = 1200
	degradedMessageCharLimit = 300
	summaryCharLimit         = 6000
	degradedSummaryCharLimit = 1500
)

// Config holds analyzer tuning shared by all five analyzers and the
// narrative generators.
type Config struct {
	// FastModel handles the per-contact analyzers.
	FastModel string
	// DeepModel handles narrative synthesis.
	DeepModel string
	// ContextCharBudget is the safe serialized-context size. Prompts over
	// this budget go straight to the degraded rendering.
	ContextCharBudget int
}

// Analyzer bundles the inference gateway with model selection. One instance
// serves every pair; all state lives in the arguments.
type Analyzer struct {
	gw  inference.Gateway
	cfg Config
}

// New creates an Analyzer. The gateway is injected, never looked up from
// ambient state.
func New(gw inference.Gateway, cfg Config) *Analyzer {
	if cfg.ContextCharBudget <= 0 {
		cfg.ContextCharBudget = 60000
	}
	return &Analyzer{gw: gw, cfg: cfg}
}

// PairContext is the immutable input snapshot one (contact, deal) pair
// presents to the analyzers.
type PairContext struct {
	Activity *model.Activity
	Contact  *model.Contact
	Deal     *model.Deal
	// Rel is the current relationship record, nil when this is the first
	// activity processed for the pair.
	Rel *model.RelationshipIntelligence
}

// Render serializes the pair context for a prompt. Degraded mode is the
// emergency fallback: fewer history items, shorter text per item, attendee
// details stripped.
func (pc PairContext) Render(degraded bool) string {
	var b strings.Builder

	summaryLimit := summaryCharLimit
	msgLimit := messageCharLimit
	msgWindow := threadWindow
	if degraded {
		summaryLimit = degradedSummaryCharLimit
		msgLimit = degradedMessageCharLimit
		msgWindow = degradedThreadWindow
	}

	fmt.Fprintf(&b, "## Activity (%s, %s)\n", pc.Activity.Kind, pc.Activity.OccurredAt.Format("2006-01-02"))
	b.WriteString(truncate(pc.Activity.Summary, summaryLimit))
	b.WriteString("\n")

	if mc, ok := pc.Activity.Content.(model.MeetingContent); ok && !degraded {
		b.WriteString("\nAttendees:\n")
		for _, att := range mc.Attendees {
			side := "buyer"
			if att.IsSeller {
				side = "seller"
			}
			fmt.Fprintf(&b, "- %s <%s> (%s)\n", att.Name, att.Email, side)
		}
	}

	if msgs := tail(pc.Activity.Thread, msgWindow); len(msgs) > 0 {
		b.WriteString("\n## Thread (oldest first)\n")
		for _, m := range msgs {
			sender := m.FromEmail
			if m.SellerSent {
				sender += " [seller]"
			}
			fmt.Fprintf(&b, "--- %s at %s ---\n%s\n", sender, m.SentAt.Format(time.RFC3339), truncate(m.Body, msgLimit))
		}
	}

	fmt.Fprintf(&b, "\n## Contact\n%s", pc.Contact.Name)
	if pc.Contact.Title != "" {
		fmt.Fprintf(&b, ", %s", pc.Contact.Title)
	}
	if pc.Contact.Email != "" && !degraded {
		fmt.Fprintf(&b, " <%s>", pc.Contact.Email)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "\n## Deal\n%s (stage: %s)\n", pc.Deal.Name, pc.Deal.Stage)

	if pc.Rel != nil {
		histWindow := scoreHistoryWindow
		if degraded {
			histWindow = degradedHistoryWindow
		}
		fmt.Fprintf(&b, "\n## Relationship history\nEngagement score: %d\n", pc.Rel.EngagementScore)
		fmt.Fprintf(&b, "Current role: %s\n", pc.Rel.CurrentRole())
		for _, s := range tail(pc.Rel.ScoreHistory, histWindow) {
			fmt.Fprintf(&b, "- %s score %+d: %s\n", s.Date.Format("2006-01-02"), s.Delta, truncate(s.Reasoning, msgLimit))
		}
		if !degraded {
			for _, r := range tail(pc.Rel.Responsiveness, responsivenessWindow) {
				fmt.Fprintf(&b, "- %s responsiveness %s: %s\n", r.AnalyzedAt.Format("2006-01-02"), r.Status, truncate(r.Summary, msgLimit))
			}
			for _, ind := range tail(pc.Rel.BehavioralIndicators, indicatorWindow) {
				fmt.Fprintf(&b, "- %s signal [%s/%s]: %s\n", ind.Date.Format("2006-01-02"), ind.Category, ind.Relevance, truncate(ind.Text, msgLimit))
			}
		}
	}

	return b.String()
}

// complete issues one gateway call with the emergency-degrade contract: an
// over-budget context is trimmed before the first attempt; a timeout on the
// full context earns exactly one retry with the degraded rendering.
func (a *Analyzer) complete(ctx context.Context, pc PairContext, call, system, instructions string, maxTokens int64, modelID string, out inference.Validator) error {
	full := pc.Render(false)
	degraded := false
	if len(full)+len(instructions) > a.cfg.ContextCharBudget {
		full = pc.Render(true)
		degraded = true
	}

	req := inference.Request{
		Call:      call,
		System:    system,
		Prompt:    instructions + "\n\n" + full,
		Model:     modelID,
		MaxTokens: maxTokens,
	}
	err := a.gw.Complete(ctx, req, out)
	if err == nil || degraded || !inference.IsTimeout(err) {
		return err
	}

	// Single emergency-degrade retry.
	req.Prompt = instructions + "\n\n" + pc.Render(true)
	return a.gw.Complete(ctx, req, out)
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func tail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
