package intel

import (
	"sort"
	"time"

	"github.com/sells-group/deal-intel/internal/model"
)

// momentumWindow is how many recent score deltas feed the momentum call.
const momentumWindow = 5

// Temperature maps the deal's stakeholder engagement onto a 0..100 scale.
// 50 is neutral; the mean engagement score across all stakeholders with a
// relationship record shifts it up or down.
func Temperature(dealID string, contacts []*model.Contact) float64 {
	var sum, n int
	for _, c := range contacts {
		rel := c.Relationship(dealID)
		if rel == nil {
			continue
		}
		sum += rel.EngagementScore
		n++
	}
	if n == 0 {
		return 50
	}
	t := 50 + float64(sum)/float64(n)
	if t < 0 {
		return 0
	}
	if t > 100 {
		return 100
	}
	return t
}

// MomentumOf classifies the recent trend of the deal from the newest score
// deltas across its stakeholders. A net positive over the window reads as
// rising, net negative as falling.
func MomentumOf(dealID string, contacts []*model.Contact) model.Momentum {
	var deltas []model.ScoreEntry
	for _, c := range contacts {
		rel := c.Relationship(dealID)
		if rel == nil {
			continue
		}
		deltas = append(deltas, rel.ScoreHistory...)
	}
	if len(deltas) == 0 {
		return model.MomentumSteady
	}
	sortByDate(deltas)
	if len(deltas) > momentumWindow {
		deltas = deltas[len(deltas)-momentumWindow:]
	}
	var net int
	for _, e := range deltas {
		net += e.Delta
	}
	switch {
	case net > 3:
		return model.MomentumRising
	case net < -3:
		return model.MomentumFalling
	default:
		return model.MomentumSteady
	}
}

// UpdateHealth appends a temperature point to the deal and refreshes its
// trend fields. The returned deal is a copy; the input is untouched.
func UpdateHealth(deal *model.Deal, contacts []*model.Contact, activityID string, now time.Time) model.Deal {
	out := deal.Clone()
	temp := Temperature(deal.ID, contacts)
	mom := MomentumOf(deal.ID, contacts)
	out.TemperatureHistory = append(out.TemperatureHistory, model.TemperaturePoint{
		Temperature:    temp,
		Momentum:       mom,
		Date:           now,
		SourceActivity: activityID,
	})
	out.MomentumDirection = mom
	out.HealthTrend = trendLabel(temp, mom)
	out.LastIntelligenceUpdate = now
	return out
}

func trendLabel(temp float64, mom model.Momentum) string {
	switch {
	case temp >= 65 && mom != model.MomentumFalling:
		return "healthy"
	case temp < 35 || mom == model.MomentumFalling:
		return "at_risk"
	default:
		return "stable"
	}
}

func sortByDate(entries []model.ScoreEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date.Before(entries[j].Date)
	})
}
