package model

import (
	"strings"
	"time"
)

// Engagement score bounds. The cumulative score is clamped into this range
// no matter what sequence of deltas is applied.
const (
	EngagementScoreMin = -50
	EngagementScoreMax = 50
)

// Relevance grades how directly a signal relates to the seller's own
// solution. Low-relevance items are always discarded before persistence.
type Relevance string

const (
	RelevanceHigh   Relevance = "High"
	RelevanceMedium Relevance = "Medium"
	RelevanceLow    Relevance = "Low"
)

// Persistable reports whether a signal of this relevance may be written to
// durable state.
func (r Relevance) Persistable() bool {
	return r == RelevanceHigh || r == RelevanceMedium
}

// SignalCategory classifies a behavioral signal.
type SignalCategory string

const (
	SignalInterest    SignalCategory = "Interest"
	SignalDisinterest SignalCategory = "Disinterest"
	SignalQuestion    SignalCategory = "Question"
	SignalMention     SignalCategory = "Mention"
	SignalRisk        SignalCategory = "Risk"
	SignalAction      SignalCategory = "Action"
)

// AllSignalCategories returns the closed set of behavioral signal categories.
func AllSignalCategories() []SignalCategory {
	return []SignalCategory{
		SignalInterest, SignalDisinterest, SignalQuestion,
		SignalMention, SignalRisk, SignalAction,
	}
}

// ContactRole is a stakeholder role on a deal.
type ContactRole string

const (
	RoleEconomicBuyer ContactRole = "Economic Buyer"
	RoleChampion      ContactRole = "Champion"
	RoleInfluencer    ContactRole = "Influencer"
	RoleUser          ContactRole = "User"
	RoleBlocker       ContactRole = "Blocker"
	RoleDecisionMaker ContactRole = "Decision Maker"
	RoleOther         ContactRole = "Other"
	RoleUninvolved    ContactRole = "Uninvolved"
)

// AllContactRoles returns the closed set of assignable roles.
func AllContactRoles() []ContactRole {
	return []ContactRole{
		RoleEconomicBuyer, RoleChampion, RoleInfluencer, RoleUser,
		RoleBlocker, RoleDecisionMaker, RoleOther, RoleUninvolved,
	}
}

// ResponsivenessStatus describes a contact's current responding state.
type ResponsivenessStatus string

const (
	ResponsivenessGhosting    ResponsivenessStatus = "Ghosting"
	ResponsivenessDelayed     ResponsivenessStatus = "Delayed"
	ResponsivenessEngaged     ResponsivenessStatus = "Engaged"
	ResponsivenessOOO         ResponsivenessStatus = "OOO"
	ResponsivenessHandedOff   ResponsivenessStatus = "Handed Off"
	ResponsivenessDisengaged  ResponsivenessStatus = "Disengaged"
	ResponsivenessUninvolved  ResponsivenessStatus = "Uninvolved"
)

// AllResponsivenessStatuses returns the closed set of responsiveness states.
func AllResponsivenessStatuses() []ResponsivenessStatus {
	return []ResponsivenessStatus{
		ResponsivenessGhosting, ResponsivenessDelayed, ResponsivenessEngaged,
		ResponsivenessOOO, ResponsivenessHandedOff, ResponsivenessDisengaged,
		ResponsivenessUninvolved,
	}
}

// ScoreEntry records one engagement score application.
type ScoreEntry struct {
	Score          int       `json:"score"`           // post-clamp cumulative score
	Delta          int       `json:"delta"`           // raw pre-clamp delta from the scorer
	Date           time.Time `json:"date"`
	SourceActivity string    `json:"source_activity"`
	Reasoning      string    `json:"reasoning"`
}

// BehavioralIndicator is a persisted behavioral signal. Relevance is always
// High or Medium here; Low never reaches this type.
type BehavioralIndicator struct {
	Category       SignalCategory `json:"category"`
	Text           string         `json:"text"`
	Confidence     float64        `json:"confidence"`
	Relevance      Relevance      `json:"relevance"`
	Quote          string         `json:"quote,omitempty"`
	Date           time.Time      `json:"date"`
	SourceActivity string         `json:"source_activity"`
}

// CommunicationPattern is one analyzed communication snapshot.
type CommunicationPattern struct {
	Tone               string    `json:"tone"`
	Depth              string    `json:"depth"`
	ResponseSpeedHours float64   `json:"response_speed_hours"`
	InitiationRatio    float64   `json:"initiation_ratio"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
}

// RoleAssignment records one role assignment. Consecutive duplicates are
// never appended.
type RoleAssignment struct {
	Role       ContactRole `json:"role"`
	AssignedAt time.Time   `json:"assigned_at"`
}

// ResponsivenessEntry is one responsiveness classification.
type ResponsivenessEntry struct {
	Status                  ResponsivenessStatus `json:"status"`
	Summary                 string               `json:"summary"`
	IsAwaitingResponse      bool                 `json:"is_awaiting_response"`
	ActiveRespondingContact string               `json:"active_responding_contact,omitempty"`
	AnalyzedAt              time.Time            `json:"analyzed_at"`
}

// RelationshipIntelligence is the per-(contact, deal) intelligence record.
// It is created lazily the first time the pair is processed.
type RelationshipIntelligence struct {
	DealID                string                 `json:"deal_id"`
	EngagementScore       int                    `json:"engagement_score"`
	ScoreHistory          []ScoreEntry           `json:"score_history,omitempty"`
	BehavioralIndicators  []BehavioralIndicator  `json:"behavioral_indicators,omitempty"`
	CommunicationPatterns []CommunicationPattern `json:"communication_patterns,omitempty"`
	RoleAssignments       []RoleAssignment       `json:"role_assignments,omitempty"`
	Responsiveness        []ResponsivenessEntry  `json:"responsiveness,omitempty"`
	RelationshipStory     string                 `json:"relationship_story,omitempty"`
}

// CurrentRole returns the most recently assigned role, or Uninvolved when
// none has been assigned yet.
func (r *RelationshipIntelligence) CurrentRole() ContactRole {
	if len(r.RoleAssignments) == 0 {
		return RoleUninvolved
	}
	return r.RoleAssignments[len(r.RoleAssignments)-1].Role
}

// Clone returns a deep copy. Phase 3 application works on copies so the
// original snapshot is never aliased across phases.
func (r RelationshipIntelligence) Clone() RelationshipIntelligence {
	out := r
	out.ScoreHistory = append([]ScoreEntry(nil), r.ScoreHistory...)
	out.BehavioralIndicators = append([]BehavioralIndicator(nil), r.BehavioralIndicators...)
	out.CommunicationPatterns = append([]CommunicationPattern(nil), r.CommunicationPatterns...)
	out.RoleAssignments = append([]RoleAssignment(nil), r.RoleAssignments...)
	out.Responsiveness = append([]ResponsivenessEntry(nil), r.Responsiveness...)
	return out
}

// Contact is a person on the buyer side. It owns one relationship
// intelligence record per deal it participates in.
type Contact struct {
	ID            string                     `json:"id"`
	AccountID     string                     `json:"account_id,omitempty"`
	CRMID         string                     `json:"crm_id,omitempty"`
	Name          string                     `json:"name"`
	Email         string                     `json:"email,omitempty"`
	Title         string                     `json:"title,omitempty"`
	Relationships []RelationshipIntelligence `json:"relationships,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Relationship returns the intelligence record for a deal, or nil when the
// pair has never been processed.
func (c *Contact) Relationship(dealID string) *RelationshipIntelligence {
	for i := range c.Relationships {
		if c.Relationships[i].DealID == dealID {
			return &c.Relationships[i]
		}
	}
	return nil
}

// WithRelationship returns a copy of the contact with the given record
// replacing (or adding) the record for its deal.
func (c Contact) WithRelationship(rec RelationshipIntelligence) Contact {
	out := c
	out.Relationships = append([]RelationshipIntelligence(nil), c.Relationships...)
	for i := range out.Relationships {
		if out.Relationships[i].DealID == rec.DealID {
			out.Relationships[i] = rec
			return out
		}
	}
	out.Relationships = append(out.Relationships, rec)
	return out
}

func equalEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
