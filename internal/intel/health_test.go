package intel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deal-intel/internal/model"
)

func contactWith(dealID string, score int, history ...model.ScoreEntry) *model.Contact {
	return &model.Contact{
		ID: "c-" + dealID,
		Relationships: []model.RelationshipIntelligence{{
			DealID:          dealID,
			EngagementScore: score,
			ScoreHistory:    history,
		}},
	}
}

func TestTemperature_NoRecords(t *testing.T) {
	got := Temperature("d-1", []*model.Contact{{ID: "c-1"}})
	assert.Equal(t, 50.0, got)
}

func TestTemperature_MeanShift(t *testing.T) {
	contacts := []*model.Contact{
		contactWith("d-1", 30),
		contactWith("d-1", 10),
	}
	got := Temperature("d-1", contacts)
	assert.Equal(t, 70.0, got)
}

func TestTemperature_ClampsToScale(t *testing.T) {
	contacts := []*model.Contact{contactWith("d-1", -50), contactWith("d-1", -50)}
	assert.Equal(t, 0.0, Temperature("d-1", contacts))
}

func TestMomentum_RecentNetPositive(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	contacts := []*model.Contact{
		contactWith("d-1", 20,
			model.ScoreEntry{Delta: -10, Date: base},
			model.ScoreEntry{Delta: 8, Date: base.Add(24 * time.Hour)},
			model.ScoreEntry{Delta: 6, Date: base.Add(48 * time.Hour)},
		),
	}
	assert.Equal(t, model.MomentumRising, MomentumOf("d-1", contacts))
}

func TestMomentum_WindowDropsOldDeltas(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	// One big old positive outside the window, five recent negatives inside.
	history := []model.ScoreEntry{{Delta: 40, Date: base}}
	for i := 1; i <= 5; i++ {
		history = append(history, model.ScoreEntry{Delta: -2, Date: base.Add(time.Duration(i) * time.Hour)})
	}
	contacts := []*model.Contact{contactWith("d-1", 30, history...)}
	assert.Equal(t, model.MomentumFalling, MomentumOf("d-1", contacts))
}

func TestMomentum_NoHistory(t *testing.T) {
	assert.Equal(t, model.MomentumSteady, MomentumOf("d-1", []*model.Contact{contactWith("d-1", 0)}))
}

func TestUpdateHealth_AppendsPoint(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	deal := &model.Deal{ID: "d-1", Name: "Acme Expansion"}
	contacts := []*model.Contact{contactWith("d-1", 25)}

	got := UpdateHealth(deal, contacts, "act-9", now)

	require.Len(t, got.TemperatureHistory, 1)
	assert.Equal(t, 75.0, got.TemperatureHistory[0].Temperature)
	assert.Equal(t, "act-9", got.TemperatureHistory[0].SourceActivity)
	assert.Equal(t, now, got.LastIntelligenceUpdate)
	assert.Empty(t, deal.TemperatureHistory, "input deal must stay untouched")
}

func TestUpdateHealth_TrendLabels(t *testing.T) {
	assert.Equal(t, "healthy", trendLabel(70, model.MomentumSteady))
	assert.Equal(t, "at_risk", trendLabel(70, model.MomentumFalling))
	assert.Equal(t, "at_risk", trendLabel(20, model.MomentumRising))
	assert.Equal(t, "stable", trendLabel(50, model.MomentumSteady))
}
