package intel

import (
	"time"

	"github.com/sells-group/deal-intel/internal/model"
)

// Apply folds one collected delta into a relationship snapshot and returns
// the updated record. The input is never mutated; callers persist the result
// in the commit phase. prior is nil for a first-time pair.
func Apply(prior *model.RelationshipIntelligence, delta *model.ContactDelta, now time.Time) model.RelationshipIntelligence {
	var rec model.RelationshipIntelligence
	if prior != nil {
		rec = prior.Clone()
	} else {
		rec = model.RelationshipIntelligence{DealID: delta.DealID}
	}

	if delta.Impact != nil {
		rec.EngagementScore = clampScore(rec.EngagementScore + delta.Impact.Score)
		rec.ScoreHistory = append(rec.ScoreHistory, model.ScoreEntry{
			Score:          rec.EngagementScore,
			Delta:          delta.Impact.Score,
			Date:           now,
			SourceActivity: delta.ActivityID,
			Reasoning:      delta.Impact.Reasoning,
		})
	}

	for _, sig := range delta.Signals {
		// Low relevance is filtered at extraction already; this is the
		// second enforcement point before anything persists.
		if !sig.Relevance.Persistable() {
			continue
		}
		rec.BehavioralIndicators = append(rec.BehavioralIndicators, model.BehavioralIndicator{
			Category:       sig.Category,
			Text:           sig.Text,
			Confidence:     sig.Confidence,
			Relevance:      sig.Relevance,
			Quote:          sig.Quote,
			Date:           now,
			SourceActivity: delta.ActivityID,
		})
	}

	if delta.Pattern != nil {
		rec.CommunicationPatterns = append(rec.CommunicationPatterns, model.CommunicationPattern{
			Tone:               delta.Pattern.Tone,
			Depth:              delta.Pattern.Depth,
			ResponseSpeedHours: delta.Pattern.ResponseSpeedHours,
			InitiationRatio:    delta.Pattern.InitiationRatio,
			AnalyzedAt:         now,
		})
	}

	if delta.Responsiveness != nil {
		rec.Responsiveness = append(rec.Responsiveness, model.ResponsivenessEntry{
			Status:                  delta.Responsiveness.Status,
			Summary:                 delta.Responsiveness.Summary,
			IsAwaitingResponse:      delta.Responsiveness.IsAwaitingResponse,
			ActiveRespondingContact: delta.Responsiveness.ActiveRespondingContact,
			AnalyzedAt:              now,
		})
	}

	if delta.Role != nil && delta.Role.Role != rec.CurrentRole() {
		rec.RoleAssignments = append(rec.RoleAssignments, model.RoleAssignment{
			Role:       delta.Role.Role,
			AssignedAt: now,
		})
	}

	return rec
}

func clampScore(score int) int {
	if score < model.EngagementScoreMin {
		return model.EngagementScoreMin
	}
	if score > model.EngagementScoreMax {
		return model.EngagementScoreMax
	}
	return score
}
