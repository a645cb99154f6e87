package intel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deal-intel/internal/model"
)

func TestApply_FirstTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	delta := &model.ContactDelta{
		ActivityID: "act-1",
		ContactID:  "c-1",
		DealID:     "d-1",
		Impact:     &model.ImpactAssessment{Score: 12, Reasoning: "asked for pricing"},
	}

	rec := Apply(nil, delta, now)

	assert.Equal(t, "d-1", rec.DealID)
	assert.Equal(t, 12, rec.EngagementScore)
	require.Len(t, rec.ScoreHistory, 1)
	assert.Equal(t, 12, rec.ScoreHistory[0].Delta)
	assert.Equal(t, 12, rec.ScoreHistory[0].Score)
	assert.Equal(t, "act-1", rec.ScoreHistory[0].SourceActivity)
}

func TestApply_ClampUpper(t *testing.T) {
	now := time.Now()
	prior := &model.RelationshipIntelligence{DealID: "d-1", EngagementScore: 45}
	delta := &model.ContactDelta{
		ActivityID: "act-2",
		DealID:     "d-1",
		Impact:     &model.ImpactAssessment{Score: 20, Reasoning: "strong buying signal"},
	}

	rec := Apply(prior, delta, now)

	// Score clamps at the ceiling; the history keeps the raw delta.
	assert.Equal(t, model.EngagementScoreMax, rec.EngagementScore)
	require.Len(t, rec.ScoreHistory, 1)
	assert.Equal(t, 20, rec.ScoreHistory[0].Delta)
	assert.Equal(t, 50, rec.ScoreHistory[0].Score)
}

func TestApply_ClampLower(t *testing.T) {
	now := time.Now()
	prior := &model.RelationshipIntelligence{DealID: "d-1", EngagementScore: -44}
	delta := &model.ContactDelta{
		DealID: "d-1",
		Impact: &model.ImpactAssessment{Score: -15},
	}

	rec := Apply(prior, delta, now)
	assert.Equal(t, model.EngagementScoreMin, rec.EngagementScore)
}

func TestApply_DropsLowRelevanceSignals(t *testing.T) {
	now := time.Now()
	delta := &model.ContactDelta{
		ActivityID: "act-3",
		DealID:     "d-1",
		Signals: []model.BehavioralSignal{
			{Category: model.SignalInterest, Text: "wants a demo", Confidence: 0.9, Relevance: model.RelevanceHigh},
			{Category: model.SignalMention, Text: "likes golf", Confidence: 0.8, Relevance: model.RelevanceLow},
			{Category: model.SignalRisk, Text: "budget freeze rumored", Confidence: 0.6, Relevance: model.RelevanceMedium},
		},
	}

	rec := Apply(nil, delta, now)

	require.Len(t, rec.BehavioralIndicators, 2)
	assert.Equal(t, "wants a demo", rec.BehavioralIndicators[0].Text)
	assert.Equal(t, "budget freeze rumored", rec.BehavioralIndicators[1].Text)
}

func TestApply_RoleDedup(t *testing.T) {
	now := time.Now()
	prior := &model.RelationshipIntelligence{
		DealID:          "d-1",
		RoleAssignments: []model.RoleAssignment{{Role: model.RoleChampion, AssignedAt: now.Add(-24 * time.Hour)}},
	}
	delta := &model.ContactDelta{
		DealID: "d-1",
		Role:   &model.RoleAssessment{Role: model.RoleChampion},
	}

	rec := Apply(prior, delta, now)

	// Same role as current — no new assignment appended.
	assert.Len(t, rec.RoleAssignments, 1)
}

func TestApply_RoleChangeAppends(t *testing.T) {
	now := time.Now()
	prior := &model.RelationshipIntelligence{
		DealID:          "d-1",
		RoleAssignments: []model.RoleAssignment{{Role: model.RoleInfluencer}},
	}
	delta := &model.ContactDelta{
		DealID: "d-1",
		Role:   &model.RoleAssessment{Role: model.RoleEconomicBuyer},
	}

	rec := Apply(prior, delta, now)

	require.Len(t, rec.RoleAssignments, 2)
	assert.Equal(t, model.RoleEconomicBuyer, rec.CurrentRole())
}

func TestApply_NilSecondaryFieldsOmitted(t *testing.T) {
	now := time.Now()
	delta := &model.ContactDelta{
		DealID: "d-1",
		Impact: &model.ImpactAssessment{Score: 5},
	}

	rec := Apply(nil, delta, now)

	assert.Empty(t, rec.CommunicationPatterns)
	assert.Empty(t, rec.Responsiveness)
	assert.Empty(t, rec.RoleAssignments)
	assert.Empty(t, rec.BehavioralIndicators)
}

func TestApply_DoesNotMutatePrior(t *testing.T) {
	now := time.Now()
	prior := &model.RelationshipIntelligence{
		DealID:          "d-1",
		EngagementScore: 10,
		ScoreHistory:    []model.ScoreEntry{{Score: 10, Delta: 10}},
	}
	delta := &model.ContactDelta{
		DealID: "d-1",
		Impact: &model.ImpactAssessment{Score: 5},
	}

	_ = Apply(prior, delta, now)

	assert.Equal(t, 10, prior.EngagementScore)
	assert.Len(t, prior.ScoreHistory, 1)
}
