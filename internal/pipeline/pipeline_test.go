package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deal-intel/internal/analyzer"
	"github.com/sells-group/deal-intel/internal/meddpicc"
	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
)

func unmarshalInto(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}

func newTestPipeline(gw *fakeGateway, st *fakeStore) *Pipeline {
	an := analyzer.New(gw, analyzer.Config{FastModel: "claude-haiku", DeepModel: "claude-sonnet"})
	ex := meddpicc.NewExtractor(gw, meddpicc.DefaultDefinitions(), "claude-sonnet")
	return New(DefaultConfig(), st, an, ex)
}

func seedFixtures(t *testing.T, st *fakeStore) {
	t.Helper()
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveContact(ctx, &model.Contact{
		ID: "c-1", Name: "Dana Reyes", Email: "dana@acme.com",
	}))
	require.NoError(t, st.SaveDeal(ctx, &model.Deal{
		ID: "d-1", Name: "Acme Expansion", CRMID: "006xx0001",
		ContactIDs: []string{"c-1"}, UpdatedAt: occurred,
	}))
	require.NoError(t, st.SaveActivity(ctx, &model.Activity{
		ID: "act-1", Kind: model.ActivityEmail, OccurredAt: occurred,
		ContactIDs: []string{"c-1"},
		Summary:    "Dana asked about pricing tiers and a pilot.",
		Content: model.EmailContent{
			Subject:   "Pricing question",
			FromEmail: "dana@acme.com",
			ToEmails:  []string{"seller@vendor.com"},
			Body:      "Can you share pricing tiers? We'd like to pilot this quarter.",
		},
		Thread: []model.ThreadMessage{
			{FromEmail: "seller@vendor.com", SellerSent: true, SentAt: occurred.Add(-48 * time.Hour), Body: "Intro"},
			{FromEmail: "dana@acme.com", FromContactID: "c-1", SentAt: occurred, Body: "Can you share pricing tiers?"},
		},
	}))
}

func TestPipeline_Run_EndToEnd(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	seedFixtures(t, st)

	result, err := newTestPipeline(gw, st).Run(context.Background(), "act-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.PairsDiscovered)
	assert.Equal(t, 1, result.PairsProcessed)
	assert.Empty(t, result.PairsFailed)
	assert.Equal(t, []string{"d-1"}, result.DealsUpdated)

	// Delta applied to the relationship record.
	contact, err := st.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	rel := contact.Relationship("d-1")
	require.NotNil(t, rel)
	assert.Equal(t, 10, rel.EngagementScore)
	require.Len(t, rel.BehavioralIndicators, 1)
	assert.Equal(t, model.RoleChampion, rel.CurrentRole())
	assert.Equal(t, "Dana has become the internal champion.", rel.RelationshipStory)

	// Knowledge reconciled at the deal level, once per activity.
	deal, err := st.GetDeal(context.Background(), "d-1")
	require.NoError(t, err)
	require.Len(t, deal.Knowledge[model.CategoryChampion], 1)
	assert.Equal(t, "Dana Reyes", deal.Knowledge[model.CategoryChampion][0].Value)
	assert.Equal(t, 1, gw.callCount("knowledge_extractor"))

	// Health and narrative refreshed.
	require.Len(t, deal.TemperatureHistory, 1)
	assert.Equal(t, "Acme is evaluating a pilot with strong buying intent.", deal.LatestNarrative)

	// Receipt written, and writeback tasks enqueued in the commit.
	activity, err := st.GetActivity(context.Background(), "act-1")
	require.NoError(t, err)
	assert.True(t, activity.HasReceipt("c-1", "d-1"))

	tasks, err := st.DequeueTasks(context.Background(), outbox.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, outbox.TaskDealHealth, tasks[0].Kind)
	assert.Equal(t, outbox.TaskDealNarrative, tasks[1].Kind)
}

func TestPipeline_Run_SecondRunIsNoOp(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	seedFixtures(t, st)
	p := newTestPipeline(gw, st)

	_, err := p.Run(context.Background(), "act-1")
	require.NoError(t, err)
	firstCalls := gw.callCount("impact_scorer")

	result, err := p.Run(context.Background(), "act-1")
	require.NoError(t, err)

	assert.Zero(t, result.PairsDiscovered)
	assert.Zero(t, result.PairsProcessed)
	assert.Equal(t, firstCalls, gw.callCount("impact_scorer"), "no new inference on replay")
}

func TestPipeline_Run_PrimaryFailureAbortsPair(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	gw.fail["impact_scorer"] = true
	seedFixtures(t, st)

	result, err := newTestPipeline(gw, st).Run(context.Background(), "act-1")
	require.NoError(t, err)

	assert.Zero(t, result.PairsProcessed)
	require.Len(t, result.PairsFailed, 1)
	assert.Equal(t, "c-1", result.PairsFailed[0].ContactID)

	// No receipt: the pair is owed a retry.
	activity, err := st.GetActivity(context.Background(), "act-1")
	require.NoError(t, err)
	assert.False(t, activity.HasReceipt("c-1", "d-1"))

	// No relationship record was persisted.
	contact, err := st.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Nil(t, contact.Relationship("d-1"))
}

func TestPipeline_Run_RoleFailureAbortsPair(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	gw.fail["role_assigner"] = true
	seedFixtures(t, st)

	result, err := newTestPipeline(gw, st).Run(context.Background(), "act-1")
	require.NoError(t, err)

	assert.Zero(t, result.PairsProcessed)
	require.Len(t, result.PairsFailed, 1)

	// The pair keeps no receipt, so the role is re-derived on the next run.
	activity, err := st.GetActivity(context.Background(), "act-1")
	require.NoError(t, err)
	assert.False(t, activity.HasReceipt("c-1", "d-1"))

	contact, err := st.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Nil(t, contact.Relationship("d-1"))
}

func TestPipeline_Run_SecondaryFailureDegrades(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	gw.fail["responsiveness_classifier"] = true
	gw.fail["pattern_analyzer"] = true
	seedFixtures(t, st)

	result, err := newTestPipeline(gw, st).Run(context.Background(), "act-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.PairsProcessed)
	assert.Empty(t, result.PairsFailed)

	contact, err := st.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	rel := contact.Relationship("d-1")
	require.NotNil(t, rel)
	assert.Equal(t, 10, rel.EngagementScore)
	assert.Equal(t, model.RoleChampion, rel.CurrentRole())
	assert.Empty(t, rel.Responsiveness)
	assert.Empty(t, rel.CommunicationPatterns)

	activity, err := st.GetActivity(context.Background(), "act-1")
	require.NoError(t, err)
	assert.True(t, activity.HasReceipt("c-1", "d-1"))
}

// seedTwoDealFixtures stores two contacts on two different deals and one
// activity touching both contacts, yielding two pairs.
func seedTwoDealFixtures(t *testing.T, st *fakeStore) {
	t.Helper()
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveContact(ctx, &model.Contact{
		ID: "c-1", Name: "Dana Reyes", Email: "dana@acme.com",
	}))
	require.NoError(t, st.SaveContact(ctx, &model.Contact{
		ID: "c-2", Name: "Priya Nair", Email: "priya@globex.com",
	}))
	require.NoError(t, st.SaveDeal(ctx, &model.Deal{
		ID: "d-1", Name: "Acme Expansion", CRMID: "006xx0001",
		ContactIDs: []string{"c-1"}, UpdatedAt: occurred,
	}))
	require.NoError(t, st.SaveDeal(ctx, &model.Deal{
		ID: "d-2", Name: "Globex Rollout", CRMID: "006xx0002",
		ContactIDs: []string{"c-2"}, UpdatedAt: occurred,
	}))
	require.NoError(t, st.SaveActivity(ctx, &model.Activity{
		ID: "act-multi", Kind: model.ActivityMeeting, OccurredAt: occurred,
		ContactIDs: []string{"c-1", "c-2"},
		Summary:    "Joint workshop covering rollout scope for both accounts.",
		Content: model.MeetingContent{
			Title: "Rollout workshop",
			Attendees: []model.Attendee{
				{Name: "Dana Reyes", Email: "dana@acme.com"},
				{Name: "Priya Nair", Email: "priya@globex.com"},
				{Name: "Sam Seller", Email: "seller@vendor.com", IsSeller: true},
			},
		},
	}))
}

func TestPipeline_Run_TwoPairs_SingleCommit(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	seedTwoDealFixtures(t, st)

	result, err := newTestPipeline(gw, st).Run(context.Background(), "act-multi")
	require.NoError(t, err)

	assert.Equal(t, 2, result.PairsDiscovered)
	assert.Equal(t, 2, result.PairsProcessed)
	assert.ElementsMatch(t, []string{"d-1", "d-2"}, result.DealsUpdated)

	// Both deals and both receipts land in one transaction.
	assert.Equal(t, 1, st.commits)
	activity, err := st.GetActivity(context.Background(), "act-multi")
	require.NoError(t, err)
	assert.True(t, activity.HasReceipt("c-1", "d-1"))
	assert.True(t, activity.HasReceipt("c-2", "d-2"))

	for contactID, dealID := range map[string]string{"c-1": "d-1", "c-2": "d-2"} {
		contact, err := st.GetContact(context.Background(), contactID)
		require.NoError(t, err)
		require.NotNil(t, contact.Relationship(dealID), contactID)
	}
}

func TestPipeline_Run_CommitFailureLeavesNothingDurable(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	seedTwoDealFixtures(t, st)
	st.commitErr = eris.New("connection lost")

	_, err := newTestPipeline(gw, st).Run(context.Background(), "act-multi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: commit")

	// No receipts survive the failed transaction for either deal.
	activity, getErr := st.GetActivity(context.Background(), "act-multi")
	require.NoError(t, getErr)
	assert.Empty(t, activity.ProcessedFor)

	for _, id := range []string{"c-1", "c-2"} {
		contact, getErr := st.GetContact(context.Background(), id)
		require.NoError(t, getErr)
		assert.Empty(t, contact.Relationships, id)
	}
	count, countErr := st.CountTasks(context.Background())
	require.NoError(t, countErr)
	assert.Zero(t, count)
}

func TestPipeline_Run_TwoPairs_OneSecondaryFailureStillCommitsBoth(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	seedTwoDealFixtures(t, st)
	gw.failOnce["responsiveness_classifier"] = true

	result, err := newTestPipeline(gw, st).Run(context.Background(), "act-multi")
	require.NoError(t, err)

	assert.Equal(t, 2, result.PairsProcessed)
	assert.Empty(t, result.PairsFailed)

	activity, err := st.GetActivity(context.Background(), "act-multi")
	require.NoError(t, err)
	assert.True(t, activity.HasReceipt("c-1", "d-1"))
	assert.True(t, activity.HasReceipt("c-2", "d-2"))
}

func TestPipeline_Run_ActivityNotFound(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()

	_, err := newTestPipeline(gw, st).Run(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activity not found")
}

func TestPipeline_Run_NoDealContactSkipped(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveContact(ctx, &model.Contact{ID: "c-orphan", Name: "No Deal", Email: "x@y.com"}))
	require.NoError(t, st.SaveActivity(ctx, &model.Activity{
		ID: "act-2", Kind: model.ActivityEmail, OccurredAt: occurred,
		ContactIDs: []string{"c-orphan"},
		Summary:    "note",
		Content:    model.EmailContent{Subject: "hi", FromEmail: "x@y.com", Body: "hello"},
	}))

	result, err := newTestPipeline(gw, st).Run(ctx, "act-2")
	require.NoError(t, err)
	assert.Zero(t, result.PairsDiscovered)
	assert.Zero(t, gw.callCount("impact_scorer"))
}

func TestPipeline_NoWritebackWithoutCRMID(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	seedFixtures(t, st)

	// Strip the CRM id before running.
	deal, err := st.GetDeal(context.Background(), "d-1")
	require.NoError(t, err)
	deal.CRMID = ""
	require.NoError(t, st.SaveDeal(context.Background(), deal))

	_, err = newTestPipeline(gw, st).Run(context.Background(), "act-1")
	require.NoError(t, err)

	count, err := st.CountTasks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
