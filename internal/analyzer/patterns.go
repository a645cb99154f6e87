package analyzer

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/model"
)

const patternSystemPrompt = `You characterize the tone and depth of one message from a sales conversation. Respond with a valid JSON object: {"tone": "<e.g. warm, formal, terse, enthusiastic, guarded>", "depth": "<surface|substantive|detailed>"}.`

type patternResponse struct {
	Tone  string `json:"tone"`
	Depth string `json:"depth"`
}

func (r *patternResponse) Validate() error {
	if r.Tone == "" {
		return eris.New("missing tone")
	}
	switch r.Depth {
	case "surface", "substantive", "detailed":
		return nil
	default:
		return eris.Errorf("unknown depth %q", r.Depth)
	}
}

// AnalyzePattern runs the Communication Pattern Analyzer. Response speed and
// initiation ratio come from thread timing, no inference involved; tone and
// depth come from inference on the latest message only.
func (a *Analyzer) AnalyzePattern(ctx context.Context, pc PairContext) (*model.PatternAssessment, error) {
	speed, ratio := ThreadTiming(pc.Activity.Thread, pc.Contact)

	latest := latestContactMessage(pc.Activity.Thread, pc.Contact)
	if latest == "" {
		// No message from this contact; timing alone is still a valid
		// observation.
		return &model.PatternAssessment{
			Tone:               "unknown",
			Depth:              "surface",
			ResponseSpeedHours: speed,
			InitiationRatio:    ratio,
		}, nil
	}

	instructions := fmt.Sprintf("Characterize the tone and depth of this message from %s:\n\n%s",
		pc.Contact.Name, truncate(latest, messageCharLimit*2))

	var resp patternResponse
	req := pc
	err := a.complete(ctx, req, "pattern_analyzer", patternSystemPrompt, instructions, 128, a.cfg.FastModel, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "analyzer: pattern")
	}

	return &model.PatternAssessment{
		Tone:               resp.Tone,
		Depth:              resp.Depth,
		ResponseSpeedHours: speed,
		InitiationRatio:    ratio,
	}, nil
}

// ThreadTiming computes the contact's average response delay in hours and
// the fraction of buyer-side exchanges this contact initiated. Deterministic:
// the same thread always yields the same numbers.
func ThreadTiming(thread []model.ThreadMessage, contact *model.Contact) (speedHours, initiationRatio float64) {
	var (
		delays        []float64
		contactSends  int
		contactInits  int
		awaitingSince = -1 // index of the seller message awaiting a reply
	)

	for i, m := range thread {
		fromContact := m.FromContactID == contact.ID ||
			(contact.Email != "" && equalFold(m.FromEmail, contact.Email))

		if m.SellerSent {
			if awaitingSince < 0 {
				awaitingSince = i
			}
			continue
		}
		if !fromContact {
			continue
		}

		contactSends++
		if awaitingSince >= 0 {
			delays = append(delays, m.SentAt.Sub(thread[awaitingSince].SentAt).Hours())
			awaitingSince = -1
		} else {
			// Contact wrote without a pending seller message: an initiation.
			contactInits++
		}
	}

	for _, d := range delays {
		speedHours += d
	}
	if len(delays) > 0 {
		speedHours /= float64(len(delays))
	}
	if contactSends > 0 {
		initiationRatio = float64(contactInits) / float64(contactSends)
		if initiationRatio > 1 {
			initiationRatio = 1
		}
	}
	return speedHours, initiationRatio
}

func latestContactMessage(thread []model.ThreadMessage, contact *model.Contact) string {
	for i := len(thread) - 1; i >= 0; i-- {
		m := thread[i]
		if m.SellerSent {
			continue
		}
		if m.FromContactID == contact.ID || (contact.Email != "" && equalFold(m.FromEmail, contact.Email)) {
			return m.Body
		}
	}
	return ""
}
