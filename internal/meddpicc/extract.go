package meddpicc

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/inference"
	"github.com/sells-group/deal-intel/internal/model"
)

const extractSystemPrompt = `You maintain a deal qualification knowledge base from sales activity. For each incoming activity you propose actions against the existing knowledge arrays. Respond with a valid JSON object: {"actions": [{"action": "<add|update|remove>", "category": "<category id>", "value": "<key-field text>", "prior_value": "<existing key-field for remove or key-changing update, else empty>", "confidence": <0.0-1.0>, "relevance": "<High|Medium|Low>", "metadata": {<optional string fields>}}]}.

Rules:
- "add" only for facts absent from the current arrays.
- "update" to enrich or reword an existing entry; set "prior_value" when the key-field text changes.
- "remove" for facts the activity shows are no longer true; set "prior_value" to the existing key-field.
- Relevance grades how directly the fact bears on the seller's own solution.
- Propose nothing when the activity carries no qualification signal.`

// Extractor derives knowledge-base actions from one activity. One extraction
// serves every pair of the activity's deal; it runs once per deal in the
// aggregation phase.
type Extractor struct {
	gw    inference.Gateway
	defs  Definitions
	model string
}

// NewExtractor creates an Extractor using the given model ID.
func NewExtractor(gw inference.Gateway, defs Definitions, modelID string) *Extractor {
	return &Extractor{gw: gw, defs: defs, model: modelID}
}

type actionsResponse struct {
	Actions []Action `json:"actions"`
}

func (r *actionsResponse) Validate() error {
	for i, a := range r.Actions {
		if _, ok := opRank[a.Op]; !ok {
			return eris.Errorf("action %d: unknown op %q", i, a.Op)
		}
		known := false
		for _, cat := range model.AllKnowledgeCategories() {
			if a.Category == cat {
				known = true
				break
			}
		}
		if !known {
			return eris.Errorf("action %d: unknown category %q", i, a.Category)
		}
		if strings.TrimSpace(a.Value) == "" {
			return eris.Errorf("action %d: empty value", i)
		}
		switch a.Relevance {
		case model.RelevanceHigh, model.RelevanceMedium, model.RelevanceLow:
		default:
			return eris.Errorf("action %d: unknown relevance %q", i, a.Relevance)
		}
	}
	return nil
}

// Extract proposes reconciliation actions for the deal from one activity.
func (e *Extractor) Extract(ctx context.Context, activity *model.Activity, deal *model.Deal) ([]Action, error) {
	var b strings.Builder
	b.WriteString("Categories:\n")
	for _, cat := range model.AllKnowledgeCategories() {
		def := e.defs[cat]
		fmt.Fprintf(&b, "- %s (%s, key-field: %s): %s\n", cat, def.Label, def.KeyField, def.Guidance)
	}

	b.WriteString("\nCurrent knowledge base:\n")
	empty := true
	for _, cat := range model.AllKnowledgeCategories() {
		for _, entry := range deal.Knowledge[cat] {
			fmt.Fprintf(&b, "- %s: %q (%s", cat, entry.Value, entry.Relevance)
			for k, v := range entry.Metadata {
				fmt.Fprintf(&b, ", %s=%s", k, v)
			}
			b.WriteString(")\n")
			empty = false
		}
	}
	if empty {
		b.WriteString("(empty)\n")
	}

	fmt.Fprintf(&b, "\nActivity (%s, %s):\n%s\n", activity.Kind, activity.OccurredAt.Format("2006-01-02"), activity.Summary)

	var resp actionsResponse
	err := e.gw.Complete(ctx, inference.Request{
		Call:      "knowledge_extractor",
		System:    extractSystemPrompt,
		Prompt:    "Propose knowledge-base actions for this activity.\n\n" + b.String(),
		Model:     e.model,
		MaxTokens: 2048,
	}, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "meddpicc: extract actions")
	}
	return resp.Actions, nil
}
