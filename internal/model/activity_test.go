package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityJSON_EmailRoundTrip(t *testing.T) {
	occurred := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := Activity{
		ID:         "act-1",
		Kind:       ActivityEmail,
		OccurredAt: occurred,
		ContactIDs: []string{"c-1", "c-2"},
		DealID:     "d-1",
		Summary:    "Pricing follow-up",
		Content: EmailContent{
			Subject:   "Re: Pricing",
			FromEmail: "dana@acme.com",
			ToEmails:  []string{"rep@sellsgroup.com"},
			Body:      "Can you send the updated quote?",
		},
		Thread: []ThreadMessage{
			{FromEmail: "rep@sellsgroup.com", SellerSent: true, SentAt: occurred.Add(-2 * time.Hour), Body: "Quote attached"},
			{FromEmail: "dana@acme.com", FromContactID: "c-1", SentAt: occurred, Body: "Can you send the updated quote?"},
		},
	}

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var got Activity
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "act-1", got.ID)
	assert.Equal(t, ActivityEmail, got.Kind)
	require.IsType(t, EmailContent{}, got.Content)
	email := got.Content.(EmailContent)
	assert.Equal(t, "Re: Pricing", email.Subject)
	assert.Equal(t, "dana@acme.com", email.FromEmail)
	assert.Len(t, got.Thread, 2)
	assert.True(t, got.Thread[0].SellerSent)
}

func TestActivityJSON_MeetingRoundTrip(t *testing.T) {
	a := Activity{
		ID:         "act-2",
		Kind:       ActivityMeeting,
		ContactIDs: []string{"c-1"},
		Content: MeetingContent{
			Title:      "Technical deep dive",
			Attendees:  []Attendee{{Name: "Dana Reyes", Email: "dana@acme.com"}, {Name: "Sam Rep", Email: "rep@sellsgroup.com", IsSeller: true}},
			DurationMn: 45,
			Transcript: "...",
		},
	}

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var got Activity
	require.NoError(t, json.Unmarshal(data, &got))

	require.IsType(t, MeetingContent{}, got.Content)
	meeting := got.Content.(MeetingContent)
	assert.Equal(t, "Technical deep dive", meeting.Title)
	assert.Equal(t, 45, meeting.DurationMn)
	require.Len(t, meeting.Attendees, 2)
	assert.True(t, meeting.Attendees[1].IsSeller)
}

func TestDecodeContent_UnknownKind(t *testing.T) {
	_, err := DecodeContent(ActivityKind("carrier_pigeon"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown activity kind")
}

func TestActivityJSON_NoContent(t *testing.T) {
	var got Activity
	require.NoError(t, json.Unmarshal([]byte(`{"id":"act-3","kind":"email","contact_ids":["c-1"]}`), &got))
	assert.Nil(t, got.Content)
	assert.Equal(t, "act-3", got.ID)
}

func TestHasReceipt(t *testing.T) {
	a := Activity{
		ProcessedFor: []Receipt{
			{ContactID: "c-1", DealID: "d-1", ProcessedAt: time.Now()},
		},
	}

	assert.True(t, a.HasReceipt("c-1", "d-1"))
	assert.False(t, a.HasReceipt("c-1", "d-2"))
	assert.False(t, a.HasReceipt("c-2", "d-1"))
}

func TestParticipated_ThreadSender(t *testing.T) {
	contact := &Contact{ID: "c-1", Email: "dana@acme.com"}
	a := Activity{
		Thread: []ThreadMessage{{FromContactID: "c-1"}},
	}
	assert.True(t, a.Participated(contact))
}

func TestParticipated_ThreadEmailCaseInsensitive(t *testing.T) {
	contact := &Contact{ID: "c-1", Email: "dana@acme.com"}
	a := Activity{
		Thread: []ThreadMessage{{FromEmail: "Dana@Acme.COM "}},
	}
	assert.True(t, a.Participated(contact))
}

func TestParticipated_MeetingAttendee(t *testing.T) {
	contact := &Contact{ID: "c-1", Email: "dana@acme.com"}
	a := Activity{
		Content: MeetingContent{
			Attendees: []Attendee{{Email: "dana@acme.com"}},
		},
	}
	assert.True(t, a.Participated(contact))

	other := &Contact{ID: "c-2", Email: "lee@acme.com"}
	assert.False(t, a.Participated(other))
}

func TestParticipated_EmailRecipients(t *testing.T) {
	a := Activity{
		Content: EmailContent{
			FromEmail: "rep@sellsgroup.com",
			ToEmails:  []string{"dana@acme.com"},
			CcEmails:  []string{"lee@acme.com"},
		},
	}

	assert.True(t, a.Participated(&Contact{ID: "c-1", Email: "dana@acme.com"}))
	assert.True(t, a.Participated(&Contact{ID: "c-2", Email: "lee@acme.com"}))
	assert.False(t, a.Participated(&Contact{ID: "c-3", Email: "pat@acme.com"}))
	assert.False(t, a.Participated(&Contact{ID: "c-4"}))
}

func TestSellerOnly(t *testing.T) {
	assert.False(t, (&Activity{}).SellerOnly())

	outbound := &Activity{Thread: []ThreadMessage{
		{SellerSent: true}, {SellerSent: true},
	}}
	assert.True(t, outbound.SellerOnly())

	mixed := &Activity{Thread: []ThreadMessage{
		{SellerSent: true}, {SellerSent: false},
	}}
	assert.False(t, mixed.SellerOnly())
}
