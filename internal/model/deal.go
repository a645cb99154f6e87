package model

import "time"

// DealStage is the pipeline stage of a deal. Only the two closed stages
// matter to pair discovery; everything else counts as open.
type DealStage string

const (
	StageClosedWon  DealStage = "closed_won"
	StageClosedLost DealStage = "closed_lost"
)

// KnowledgeCategory identifies one qualification knowledge array.
type KnowledgeCategory string

const (
	CategoryMetrics          KnowledgeCategory = "metrics"
	CategoryEconomicBuyer    KnowledgeCategory = "economic_buyer"
	CategoryDecisionCriteria KnowledgeCategory = "decision_criteria"
	CategoryDecisionProcess  KnowledgeCategory = "decision_process"
	CategoryPaperProcess     KnowledgeCategory = "paper_process"
	CategoryIdentifiedPain   KnowledgeCategory = "identified_pain"
	CategoryChampion         KnowledgeCategory = "champion"
	CategoryCompetition      KnowledgeCategory = "competition"
)

// AllKnowledgeCategories returns the eight qualification categories in
// canonical order.
func AllKnowledgeCategories() []KnowledgeCategory {
	return []KnowledgeCategory{
		CategoryMetrics, CategoryEconomicBuyer, CategoryDecisionCriteria,
		CategoryDecisionProcess, CategoryPaperProcess, CategoryIdentifiedPain,
		CategoryChampion, CategoryCompetition,
	}
}

// KnowledgeEntry is one fact in a qualification category. Value is the
// designated key-field text; within a category no two entries may share a
// normalized Value.
type KnowledgeEntry struct {
	Value          string            `json:"value"`
	Confidence     float64           `json:"confidence"`
	Relevance      Relevance         `json:"relevance"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SourceActivity string            `json:"source_activity,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// KnowledgeBase is the deal-level qualification knowledge, one array per
// category.
type KnowledgeBase map[KnowledgeCategory][]KnowledgeEntry

// Clone returns a deep copy of the knowledge base.
func (kb KnowledgeBase) Clone() KnowledgeBase {
	out := make(KnowledgeBase, len(kb))
	for cat, entries := range kb {
		out[cat] = append([]KnowledgeEntry(nil), entries...)
	}
	return out
}

// Momentum is the direction of a deal's engagement trend.
type Momentum string

const (
	MomentumRising  Momentum = "rising"
	MomentumFalling Momentum = "falling"
	MomentumSteady  Momentum = "steady"
)

// TemperaturePoint is one appended deal-temperature observation.
type TemperaturePoint struct {
	Temperature    float64   `json:"temperature"` // 0 (cold) .. 100 (hot)
	Momentum       Momentum  `json:"momentum"`
	Date           time.Time `json:"date"`
	SourceActivity string    `json:"source_activity,omitempty"`
}

// DealNarrative is one generated deal-level executive summary.
type DealNarrative struct {
	Text           string    `json:"text"`
	GeneratedAt    time.Time `json:"generated_at"`
	SourceActivity string    `json:"source_activity,omitempty"`
}

// Deal is the commercial opportunity being qualified.
type Deal struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id,omitempty"`
	CRMID      string    `json:"crm_id,omitempty"`
	Name       string    `json:"name"`
	Stage      DealStage `json:"stage"`
	Amount     float64   `json:"amount,omitempty"`
	ContactIDs []string  `json:"contact_ids,omitempty"`

	Knowledge KnowledgeBase `json:"knowledge,omitempty"`

	TemperatureHistory []TemperaturePoint `json:"temperature_history,omitempty"`
	HealthTrend        string             `json:"health_trend,omitempty"`
	MomentumDirection  Momentum           `json:"momentum_direction,omitempty"`
	LatestNarrative    string             `json:"latest_narrative,omitempty"`
	NarrativeHistory   []DealNarrative    `json:"narrative_history,omitempty"`

	LastIntelligenceUpdate time.Time `json:"last_intelligence_update,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// IsOpen reports whether the deal is still in play.
func (d *Deal) IsOpen() bool {
	return d.Stage != StageClosedWon && d.Stage != StageClosedLost
}

// HasContact reports whether the contact participates in this deal.
func (d *Deal) HasContact(contactID string) bool {
	for _, id := range d.ContactIDs {
		if id == contactID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the deal, including its knowledge base.
func (d Deal) Clone() Deal {
	out := d
	out.ContactIDs = append([]string(nil), d.ContactIDs...)
	out.Knowledge = d.Knowledge.Clone()
	out.TemperatureHistory = append([]TemperaturePoint(nil), d.TemperatureHistory...)
	out.NarrativeHistory = append([]DealNarrative(nil), d.NarrativeHistory...)
	return out
}
