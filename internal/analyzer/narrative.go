package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/inference"
	"github.com/sells-group/deal-intel/internal/model"
)

const storySystemPrompt = `You write a short relationship narrative a seller reads before their next touchpoint with a contact. Two or three paragraphs, plain prose, no headers. Cover trajectory, current posture, and what to watch. Respond with a valid JSON object: {"story": "<the narrative>"}.`

const dealSummarySystemPrompt = `You write a deal-level executive summary from all stakeholder relationships and the qualification knowledge base. One tight paragraph on health and momentum, one on open qualification gaps. Respond with a valid JSON object: {"summary": "<the text>"}.`

type storyResponse struct {
	Story string `json:"story"`
}

func (r *storyResponse) Validate() error {
	if strings.TrimSpace(r.Story) == "" {
		return eris.New("empty story")
	}
	return nil
}

type dealSummaryResponse struct {
	Summary string `json:"summary"`
}

func (r *dealSummaryResponse) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return eris.New("empty summary")
	}
	return nil
}

// RelationshipStory synthesizes a contact's updated intelligence record into
// a narrative. The record is trimmed to bounded recent windows before
// serialization; the caller overwrites the single current story field.
func (a *Analyzer) RelationshipStory(ctx context.Context, contact *model.Contact, deal *model.Deal, rel *model.RelationshipIntelligence) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Contact: %s", contact.Name)
	if contact.Title != "" {
		fmt.Fprintf(&b, " (%s)", contact.Title)
	}
	fmt.Fprintf(&b, "\nDeal: %s (stage: %s)\n", deal.Name, deal.Stage)
	fmt.Fprintf(&b, "Engagement score: %d (range %d..%d)\n", rel.EngagementScore, model.EngagementScoreMin, model.EngagementScoreMax)
	fmt.Fprintf(&b, "Current role: %s\n", rel.CurrentRole())
	if rel.RelationshipStory != "" {
		fmt.Fprintf(&b, "\nPrevious narrative:\n%s\n", truncate(rel.RelationshipStory, summaryCharLimit))
	}

	b.WriteString("\nScore history:\n")
	for _, s := range tail(rel.ScoreHistory, scoreHistoryWindow) {
		fmt.Fprintf(&b, "- %s %+d: %s\n", s.Date.Format("2006-01-02"), s.Delta, truncate(s.Reasoning, messageCharLimit))
	}
	b.WriteString("\nResponsiveness:\n")
	for _, r := range tail(rel.Responsiveness, responsivenessWindow) {
		fmt.Fprintf(&b, "- %s %s: %s\n", r.AnalyzedAt.Format("2006-01-02"), r.Status, truncate(r.Summary, messageCharLimit))
	}
	b.WriteString("\nBehavioral indicators:\n")
	for _, ind := range tail(rel.BehavioralIndicators, indicatorWindow) {
		fmt.Fprintf(&b, "- %s [%s] %s\n", ind.Date.Format("2006-01-02"), ind.Category, truncate(ind.Text, messageCharLimit))
	}
	b.WriteString("\nCommunication patterns:\n")
	for _, p := range tail(rel.CommunicationPatterns, patternWindow) {
		fmt.Fprintf(&b, "- %s tone=%s depth=%s response=%.1fh initiation=%.2f\n",
			p.AnalyzedAt.Format("2006-01-02"), p.Tone, p.Depth, p.ResponseSpeedHours, p.InitiationRatio)
	}

	var resp storyResponse
	err := a.gw.Complete(ctx, inference.Request{
		Call:      "relationship_story",
		System:    storySystemPrompt,
		Prompt:    "Write the relationship narrative for this contact.\n\n" + b.String(),
		Model:     a.cfg.DeepModel,
		MaxTokens: 1024,
	}, &resp)
	if err != nil {
		return "", eris.Wrap(err, "analyzer: relationship story")
	}
	return resp.Story, nil
}

// DealSummary regenerates the deal-level executive summary from every
// contact's current relationship record plus the knowledge base.
func (a *Analyzer) DealSummary(ctx context.Context, deal *model.Deal, contacts []*model.Contact) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Deal: %s (stage: %s)\n", deal.Name, deal.Stage)
	fmt.Fprintf(&b, "Momentum: %s, health trend: %s\n", deal.MomentumDirection, deal.HealthTrend)
	if n := len(deal.TemperatureHistory); n > 0 {
		fmt.Fprintf(&b, "Temperature: %.0f\n", deal.TemperatureHistory[n-1].Temperature)
	}

	b.WriteString("\nStakeholders:\n")
	for _, c := range contacts {
		rel := c.Relationship(deal.ID)
		if rel == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): score %d, role %s", c.Name, c.Title, rel.EngagementScore, rel.CurrentRole())
		if n := len(rel.Responsiveness); n > 0 {
			fmt.Fprintf(&b, ", responsiveness %s", rel.Responsiveness[n-1].Status)
		}
		b.WriteString("\n")
		if rel.RelationshipStory != "" {
			fmt.Fprintf(&b, "  %s\n", truncate(rel.RelationshipStory, messageCharLimit))
		}
	}

	b.WriteString("\nQualification knowledge:\n")
	for _, cat := range model.AllKnowledgeCategories() {
		entries := deal.Knowledge[cat]
		if len(entries) == 0 {
			fmt.Fprintf(&b, "- %s: (nothing captured)\n", cat)
			continue
		}
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", cat, truncate(e.Value, messageCharLimit), e.Relevance)
		}
	}

	var resp dealSummaryResponse
	err := a.gw.Complete(ctx, inference.Request{
		Call:      "deal_summary",
		System:    dealSummarySystemPrompt,
		Prompt:    "Write the executive summary for this deal.\n\n" + b.String(),
		Model:     a.cfg.DeepModel,
		MaxTokens: 768,
	}, &resp)
	if err != nil {
		return "", eris.Wrap(err, "analyzer: deal summary")
	}
	return resp.Summary, nil
}
