package analyzer

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/model"
)

const signalsSystemPrompt = `You extract behavioral signals a seller should remember about one contact, from one sales activity. Respond with a valid JSON object: {"signals": [{"category": "<Interest|Disinterest|Question|Mention|Risk|Action>", "text": "<the observation>", "confidence": <0.0-1.0>, "relevance": "<High|Medium|Low>", "quote": "<supporting quote or empty>"}]}.

Relevance grades how directly the signal relates to the seller's own solution. Return an empty signals array when nothing noteworthy happened. Do not return Low-relevance signals.`

const signalsInstructions = `Extract behavioral signals for the contact below from this activity.`

type signalsResponse struct {
	Signals []model.BehavioralSignal `json:"signals"`
}

func (r *signalsResponse) Validate() error {
	for i, s := range r.Signals {
		if !slices.Contains(model.AllSignalCategories(), s.Category) {
			return eris.Errorf("signal %d: unknown category %q", i, s.Category)
		}
		switch s.Relevance {
		case model.RelevanceHigh, model.RelevanceMedium, model.RelevanceLow:
		default:
			return eris.Errorf("signal %d: unknown relevance %q", i, s.Relevance)
		}
		if s.Text == "" {
			return eris.Errorf("signal %d: empty text", i)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return eris.Errorf("signal %d: confidence %v out of range", i, s.Confidence)
		}
	}
	return nil
}

// ExtractSignals runs the Behavioral Signal Extractor. Low-relevance signals
// are dropped here even though the prompt already forbids them — the
// application layer filters again, so Low never survives either layer.
func (a *Analyzer) ExtractSignals(ctx context.Context, pc PairContext) ([]model.BehavioralSignal, error) {
	var resp signalsResponse
	err := a.complete(ctx, pc, "signal_extractor", signalsSystemPrompt, signalsInstructions, 1024, a.cfg.FastModel, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "analyzer: signals")
	}

	kept := resp.Signals[:0]
	for _, s := range resp.Signals {
		if !s.Relevance.Persistable() {
			zap.L().Debug("analyzer: dropping low-relevance signal",
				zap.String("contact", pc.Contact.ID),
				zap.String("text", s.Text),
			)
			continue
		}
		kept = append(kept, s)
	}
	return kept, nil
}
