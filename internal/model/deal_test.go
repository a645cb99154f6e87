package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDealIsOpen(t *testing.T) {
	assert.True(t, (&Deal{Stage: "negotiation"}).IsOpen())
	assert.True(t, (&Deal{}).IsOpen())
	assert.False(t, (&Deal{Stage: StageClosedWon}).IsOpen())
	assert.False(t, (&Deal{Stage: StageClosedLost}).IsOpen())
}

func TestDealHasContact(t *testing.T) {
	d := &Deal{ContactIDs: []string{"c-1", "c-2"}}
	assert.True(t, d.HasContact("c-2"))
	assert.False(t, d.HasContact("c-3"))
}

func TestKnowledgeBaseClone_Independent(t *testing.T) {
	kb := KnowledgeBase{
		CategoryChampion: {{Value: "Dana Reyes", Confidence: 0.9, Relevance: RelevanceHigh}},
	}

	cp := kb.Clone()
	cp[CategoryChampion] = append(cp[CategoryChampion], KnowledgeEntry{Value: "Lee Park"})
	cp[CategoryMetrics] = []KnowledgeEntry{{Value: "30% cost reduction"}}

	assert.Len(t, kb[CategoryChampion], 1)
	assert.NotContains(t, kb, CategoryMetrics)
}

func TestDealClone_Independent(t *testing.T) {
	d := Deal{
		ID:         "d-1",
		ContactIDs: []string{"c-1"},
		Knowledge: KnowledgeBase{
			CategoryIdentifiedPain: {{Value: "manual reporting"}},
		},
		TemperatureHistory: []TemperaturePoint{{Temperature: 60, Momentum: MomentumRising}},
	}

	cp := d.Clone()
	cp.ContactIDs = append(cp.ContactIDs, "c-2")
	cp.Knowledge[CategoryIdentifiedPain][0].Value = "changed"
	cp.TemperatureHistory = append(cp.TemperatureHistory, TemperaturePoint{Temperature: 40})

	assert.Len(t, d.ContactIDs, 1)
	assert.Len(t, d.TemperatureHistory, 1)
	// Entry structs are copied by value in Clone.
	assert.Equal(t, "changed", cp.Knowledge[CategoryIdentifiedPain][0].Value)
	assert.Equal(t, "manual reporting", d.Knowledge[CategoryIdentifiedPain][0].Value)
}

func TestAllKnowledgeCategories(t *testing.T) {
	cats := AllKnowledgeCategories()
	assert.Len(t, cats, 8)
	assert.Equal(t, CategoryMetrics, cats[0])
	assert.Equal(t, CategoryCompetition, cats[7])
}
