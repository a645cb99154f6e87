package model

// ImpactAssessment is the Activity Impact Scorer's proposal: a signed delta
// applied to the engagement score. Documented ranges: strong positive buying
// signal +15..+25, mild positive +3..+8, neutral/automated 0..+3, mild
// negative -8..0, strong negative -15..0.
type ImpactAssessment struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// BehavioralSignal is one proposed behavioral observation. Low-relevance
// signals are discarded both by the extractor and again at application time.
type BehavioralSignal struct {
	Category   SignalCategory `json:"category"`
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Relevance  Relevance      `json:"relevance"`
	Quote      string         `json:"quote,omitempty"`
}

// PatternAssessment is the Communication Pattern Analyzer's proposal. The
// timing fields are computed deterministically from the thread; tone and
// depth come from inference on the latest message.
type PatternAssessment struct {
	Tone               string  `json:"tone"`
	Depth              string  `json:"depth"`
	ResponseSpeedHours float64 `json:"response_speed_hours"`
	InitiationRatio    float64 `json:"initiation_ratio"`
}

// ResponsivenessAssessment is the Responsiveness Classifier's proposal.
type ResponsivenessAssessment struct {
	Status                  ResponsivenessStatus `json:"status"`
	Summary                 string               `json:"summary"`
	IsAwaitingResponse      bool                 `json:"is_awaiting_response"`
	ActiveRespondingContact string               `json:"active_responding_contact,omitempty"`
}

// RoleAssessment is the Role Assigner's proposal.
type RoleAssessment struct {
	Role      ContactRole `json:"role"`
	Reasoning string      `json:"reasoning,omitempty"`
}

// ContactDelta bundles everything Phase 1 collected for one (contact, deal)
// pair. Secondary analyzer fields are nil when their inference call failed;
// application simply omits them.
type ContactDelta struct {
	ActivityID string
	ContactID  string
	DealID     string

	Impact         *ImpactAssessment
	Signals        []BehavioralSignal
	Pattern        *PatternAssessment
	Responsiveness *ResponsivenessAssessment
	Role           *RoleAssessment
}
