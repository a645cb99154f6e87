package analyzer

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/model"
)

const impactSystemPrompt = `You score how one sales activity shifts a single contact's engagement. Respond with a valid JSON object: {"score": <integer>, "reasoning": "<one or two sentences>"}.

Score ranges:
- strong positive buying signal (asks for pricing, proposes next steps, brings in stakeholders): +15 to +25
- mild positive (substantive reply, thoughtful questions): +3 to +8
- neutral or automated (scheduling, receipts): 0 to +3
- mild negative (terse reply, deferral): -8 to 0
- strong negative or explicit disinterest: -15 to 0

Rules:
- Score 0 if the contact being evaluated did not participate in this activity.
- Score 0 for seller-to-prospect-only activities, unless the outbound message itself implies prospect inactivity (e.g. "second follow-up, no reply") — then score the implied silence negatively.`

const impactInstructions = `Score the engagement impact of this activity for the contact below.`

type impactResponse struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

func (r *impactResponse) Validate() error {
	// Deltas beyond the full score range are always a malformed response.
	if r.Score < 2*model.EngagementScoreMin || r.Score > 2*model.EngagementScoreMax {
		return eris.Errorf("score %d out of plausible range", r.Score)
	}
	if r.Reasoning == "" {
		return eris.New("missing reasoning")
	}
	return nil
}

// ScoreImpact runs the Activity Impact Scorer for one pair. Non-participation
// is decided deterministically before any inference call: the contract says
// such activities score 0, and no model call can improve on that.
func (a *Analyzer) ScoreImpact(ctx context.Context, pc PairContext) (*model.ImpactAssessment, error) {
	if !pc.Activity.Participated(pc.Contact) && !pc.Activity.SellerOnly() {
		return &model.ImpactAssessment{
			Score:     0,
			Reasoning: "contact did not participate in this activity",
		}, nil
	}

	var resp impactResponse
	err := a.complete(ctx, pc, "impact_scorer", impactSystemPrompt, impactInstructions, 256, a.cfg.FastModel, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "analyzer: impact")
	}
	return &model.ImpactAssessment{Score: resp.Score, Reasoning: resp.Reasoning}, nil
}
