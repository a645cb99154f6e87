package analyzer

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/model"
)

const responsivenessSystemPrompt = `You classify one contact's current responsiveness state in a sales relationship. Respond with a valid JSON object: {"status": "<Ghosting|Delayed|Engaged|OOO|Handed Off|Disengaged|Uninvolved>", "summary": "<one or two sentences>", "is_awaiting_response": <true|false>, "active_responding_contact": "<name or empty>"}.

"is_awaiting_response" is true when the seller is currently waiting on this contact. If the status is "Handed Off", name the person now responding in "active_responding_contact"; otherwise leave it empty.`

const responsivenessInstructions = `Classify the current responsiveness of the contact below, given this activity and the relationship history.`

type responsivenessResponse struct {
	Status                  model.ResponsivenessStatus `json:"status"`
	Summary                 string                     `json:"summary"`
	IsAwaitingResponse      bool                       `json:"is_awaiting_response"`
	ActiveRespondingContact string                     `json:"active_responding_contact"`
}

func (r *responsivenessResponse) Validate() error {
	if !slices.Contains(model.AllResponsivenessStatuses(), r.Status) {
		return eris.Errorf("unknown status %q", r.Status)
	}
	if r.Summary == "" {
		return eris.New("missing summary")
	}
	if r.Status == model.ResponsivenessHandedOff && r.ActiveRespondingContact == "" {
		return eris.New("handed off without a responding contact")
	}
	return nil
}

// ClassifyResponsiveness runs the Responsiveness Classifier.
func (a *Analyzer) ClassifyResponsiveness(ctx context.Context, pc PairContext) (*model.ResponsivenessAssessment, error) {
	var resp responsivenessResponse
	err := a.complete(ctx, pc, "responsiveness_classifier", responsivenessSystemPrompt, responsivenessInstructions, 256, a.cfg.FastModel, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "analyzer: responsiveness")
	}
	return &model.ResponsivenessAssessment{
		Status:                  resp.Status,
		Summary:                 resp.Summary,
		IsAwaitingResponse:      resp.IsAwaitingResponse,
		ActiveRespondingContact: resp.ActiveRespondingContact,
	}, nil
}
