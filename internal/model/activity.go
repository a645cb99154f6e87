package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ActivityKind identifies the communication channel an activity came from.
type ActivityKind string

const (
	ActivityEmail   ActivityKind = "email"
	ActivityMeeting ActivityKind = "meeting"
)

// ActivityContent is the closed set of channel-specific payloads. Exactly one
// concrete type exists per ActivityKind; the payload is resolved once at the
// ingestion boundary via DecodeContent and carried as this interface afterward.
type ActivityContent interface {
	Kind() ActivityKind
}

// EmailContent is the payload of an email activity.
type EmailContent struct {
	Subject   string   `json:"subject"`
	FromEmail string   `json:"from_email"`
	ToEmails  []string `json:"to_emails"`
	CcEmails  []string `json:"cc_emails,omitempty"`
	Body      string   `json:"body"`
}

func (EmailContent) Kind() ActivityKind { return ActivityEmail }

// MeetingContent is the payload of a meeting activity.
type MeetingContent struct {
	Title      string     `json:"title"`
	Attendees  []Attendee `json:"attendees"`
	DurationMn int        `json:"duration_minutes"`
	Transcript string     `json:"transcript"`
}

func (MeetingContent) Kind() ActivityKind { return ActivityMeeting }

// Attendee is a meeting participant as reported by the calendar source.
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsSeller bool   `json:"is_seller"`
}

// DecodeContent resolves a raw content payload into its concrete type based
// on the activity kind. Unknown kinds are rejected at the boundary rather
// than carried as untyped maps.
func DecodeContent(kind ActivityKind, raw json.RawMessage) (ActivityContent, error) {
	switch kind {
	case ActivityEmail:
		var c EmailContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, eris.Wrap(err, "model: decode email content")
		}
		return c, nil
	case ActivityMeeting:
		var c MeetingContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, eris.Wrap(err, "model: decode meeting content")
		}
		return c, nil
	default:
		return nil, eris.Errorf("model: unknown activity kind %q", kind)
	}
}

// ThreadMessage is one message in the communication thread an activity
// belongs to, used for deterministic timing heuristics (response speed,
// initiation ratio). Messages are ordered oldest first.
type ThreadMessage struct {
	FromEmail     string    `json:"from_email"`
	FromContactID string    `json:"from_contact_id,omitempty"`
	SellerSent    bool      `json:"seller_sent"`
	SentAt        time.Time `json:"sent_at"`
	Body          string    `json:"body"`
}

// Receipt marks a (contact, deal) pair as processed for an activity. Receipts
// are written only inside the Phase 5 commit, after every dependent entity
// has been persisted.
type Receipt struct {
	ContactID   string    `json:"contact_id"`
	DealID      string    `json:"deal_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Activity is a single communication event to be analyzed.
type Activity struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id,omitempty"`
	ProspectID string          `json:"prospect_id,omitempty"`
	Kind       ActivityKind    `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	ContactIDs []string        `json:"contact_ids"`
	DealID     string          `json:"deal_id,omitempty"`
	Summary    string          `json:"summary"`
	Content    ActivityContent `json:"-"`
	Thread     []ThreadMessage `json:"thread,omitempty"`

	// ProcessedFor is the idempotency receipt set. A pair present here is
	// never re-derived for this activity.
	ProcessedFor []Receipt `json:"processed_for,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// activityDoc is the persisted wire shape: content is stored as a tagged raw
// payload and resolved through DecodeContent on load.
type activityDoc struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id,omitempty"`
	ProspectID   string          `json:"prospect_id,omitempty"`
	Kind         ActivityKind    `json:"kind"`
	OccurredAt   time.Time       `json:"occurred_at"`
	ContactIDs   []string        `json:"contact_ids"`
	DealID       string          `json:"deal_id,omitempty"`
	Summary      string          `json:"summary"`
	Content      json.RawMessage `json:"content,omitempty"`
	Thread       []ThreadMessage `json:"thread,omitempty"`
	ProcessedFor []Receipt       `json:"processed_for,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MarshalJSON embeds the concrete content payload under a "content" key.
func (a Activity) MarshalJSON() ([]byte, error) {
	doc := activityDoc{
		ID:           a.ID,
		AccountID:    a.AccountID,
		ProspectID:   a.ProspectID,
		Kind:         a.Kind,
		OccurredAt:   a.OccurredAt,
		ContactIDs:   a.ContactIDs,
		DealID:       a.DealID,
		Summary:      a.Summary,
		Thread:       a.Thread,
		ProcessedFor: a.ProcessedFor,
		CreatedAt:    a.CreatedAt,
	}
	if a.Content != nil {
		raw, err := json.Marshal(a.Content)
		if err != nil {
			return nil, eris.Wrap(err, "model: marshal activity content")
		}
		doc.Content = raw
	}
	return json.Marshal(doc)
}

// UnmarshalJSON resolves the tagged content payload into its concrete type.
func (a *Activity) UnmarshalJSON(data []byte) error {
	var doc activityDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "model: unmarshal activity")
	}
	a.ID = doc.ID
	a.AccountID = doc.AccountID
	a.ProspectID = doc.ProspectID
	a.Kind = doc.Kind
	a.OccurredAt = doc.OccurredAt
	a.ContactIDs = doc.ContactIDs
	a.DealID = doc.DealID
	a.Summary = doc.Summary
	a.Thread = doc.Thread
	a.ProcessedFor = doc.ProcessedFor
	a.CreatedAt = doc.CreatedAt
	if len(doc.Content) > 0 {
		content, err := DecodeContent(doc.Kind, doc.Content)
		if err != nil {
			return err
		}
		a.Content = content
	}
	return nil
}

// HasReceipt reports whether the (contact, deal) pair already carries a
// processed receipt for this activity.
func (a *Activity) HasReceipt(contactID, dealID string) bool {
	for _, r := range a.ProcessedFor {
		if r.ContactID == contactID && r.DealID == dealID {
			return true
		}
	}
	return false
}

// Participated reports whether the contact took part in the activity: they
// sent a thread message, attended the meeting, or appear on the email.
func (a *Activity) Participated(contact *Contact) bool {
	for _, m := range a.Thread {
		if m.FromContactID == contact.ID {
			return true
		}
		if contact.Email != "" && equalEmail(m.FromEmail, contact.Email) {
			return true
		}
	}
	switch c := a.Content.(type) {
	case MeetingContent:
		for _, att := range c.Attendees {
			if contact.Email != "" && equalEmail(att.Email, contact.Email) {
				return true
			}
		}
	case EmailContent:
		if contact.Email == "" {
			return false
		}
		if equalEmail(c.FromEmail, contact.Email) {
			return true
		}
		for _, to := range c.ToEmails {
			if equalEmail(to, contact.Email) {
				return true
			}
		}
		for _, cc := range c.CcEmails {
			if equalEmail(cc, contact.Email) {
				return true
			}
		}
	}
	return false
}

// SellerOnly reports whether every thread message was sent by the seller
// side. Used by the impact scorer's outbound-only rule.
func (a *Activity) SellerOnly() bool {
	if len(a.Thread) == 0 {
		return false
	}
	for _, m := range a.Thread {
		if !m.SellerSent {
			return false
		}
	}
	return true
}
