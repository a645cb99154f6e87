package meddpicc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deal-intel/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func kbWith(cat model.KnowledgeCategory, values ...string) model.KnowledgeBase {
	kb := make(model.KnowledgeBase)
	for _, v := range values {
		kb[cat] = append(kb[cat], model.KnowledgeEntry{
			Value: v, Confidence: 0.8, Relevance: model.RelevanceHigh,
		})
	}
	return kb
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, NormalizeKey("Acme  CRM"), NormalizeKey("acme crm"))
	assert.Equal(t, NormalizeKey("Salesforce—Legacy"), NormalizeKey("salesforce-legacy"))
	assert.Equal(t, NormalizeKey("  Q3  rollout "), "q3 rollout")
	// NFKC folds full-width forms.
	assert.Equal(t, "abc", NormalizeKey("ＡＢＣ"))
}

func TestReconcile_AddUpdateRemove(t *testing.T) {
	kb := kbWith(model.CategoryCompetition, "HubSpot", "Acme CRM")

	// Consolidation: the incumbent is renamed and the stale one removed,
	// while a new competitor appears in the same pass.
	actions := []Action{
		{Op: OpAdd, Category: model.CategoryCompetition, Value: "Pipedrive", Confidence: 0.7, Relevance: model.RelevanceMedium},
		{Op: OpRemove, Category: model.CategoryCompetition, Value: "HubSpot", Relevance: model.RelevanceHigh},
		{Op: OpUpdate, Category: model.CategoryCompetition, Value: "Acme CRM Enterprise", PriorValue: "Acme CRM", Confidence: 0.9, Relevance: model.RelevanceHigh},
	}

	got := Reconcile(kb, actions, "act-1", testNow)

	values := make([]string, 0)
	for _, e := range got[model.CategoryCompetition] {
		values = append(values, e.Value)
	}
	assert.ElementsMatch(t, []string{"Acme CRM Enterprise", "Pipedrive"}, values)
}

func TestReconcile_RemoveBeforeAddSameKey(t *testing.T) {
	kb := kbWith(model.CategoryIdentifiedPain, "manual reporting")

	// Remove and re-add the same key in one batch: ordering guarantees the
	// add lands after the remove, leaving exactly one entry.
	actions := []Action{
		{Op: OpAdd, Category: model.CategoryIdentifiedPain, Value: "Manual Reporting", Confidence: 0.9, Relevance: model.RelevanceHigh},
		{Op: OpRemove, Category: model.CategoryIdentifiedPain, Value: "manual reporting", Relevance: model.RelevanceHigh},
	}

	got := Reconcile(kb, actions, "act-2", testNow)

	require.Len(t, got[model.CategoryIdentifiedPain], 1)
	assert.Equal(t, "Manual Reporting", got[model.CategoryIdentifiedPain][0].Value)
}

func TestReconcile_DuplicateAddSkipped(t *testing.T) {
	kb := kbWith(model.CategoryChampion, "Dana Reyes")

	actions := []Action{
		{Op: OpAdd, Category: model.CategoryChampion, Value: "dana  reyes", Confidence: 0.9, Relevance: model.RelevanceHigh},
	}

	got := Reconcile(kb, actions, "act-3", testNow)
	assert.Len(t, got[model.CategoryChampion], 1)
}

func TestReconcile_LowRelevanceFiltered(t *testing.T) {
	got := Reconcile(nil, []Action{
		{Op: OpAdd, Category: model.CategoryMetrics, Value: "20% cost cut target", Confidence: 0.9, Relevance: model.RelevanceLow},
	}, "act-4", testNow)

	assert.Empty(t, got[model.CategoryMetrics])
}

func TestReconcile_UpdateMissBecomesInsert(t *testing.T) {
	got := Reconcile(nil, []Action{
		{Op: OpUpdate, Category: model.CategoryEconomicBuyer, Value: "Priya Shah", PriorValue: "P. Shah", Confidence: 0.8, Relevance: model.RelevanceHigh},
	}, "act-5", testNow)

	require.Len(t, got[model.CategoryEconomicBuyer], 1)
	assert.Equal(t, "Priya Shah", got[model.CategoryEconomicBuyer][0].Value)
}

func TestReconcile_RemoveMissIsNotFatal(t *testing.T) {
	kb := kbWith(model.CategoryDecisionCriteria, "SOC 2 compliance")

	got := Reconcile(kb, []Action{
		{Op: OpRemove, Category: model.CategoryDecisionCriteria, Value: "ISO 27001", Relevance: model.RelevanceHigh},
	}, "act-6", testNow)

	assert.Len(t, got[model.CategoryDecisionCriteria], 1)
}

func TestReconcile_UnknownOpSkipped(t *testing.T) {
	got := Reconcile(nil, []Action{
		{Op: Op("merge"), Category: model.CategoryMetrics, Value: "x", Relevance: model.RelevanceHigh},
	}, "act-7", testNow)

	assert.Empty(t, got[model.CategoryMetrics])
}

func TestReconcile_InputNotMutated(t *testing.T) {
	kb := kbWith(model.CategoryPaperProcess, "security review")

	_ = Reconcile(kb, []Action{
		{Op: OpRemove, Category: model.CategoryPaperProcess, Value: "security review", Relevance: model.RelevanceHigh},
	}, "act-8", testNow)

	assert.Len(t, kb[model.CategoryPaperProcess], 1)
}

func TestReconcile_UpdateMergesMetadata(t *testing.T) {
	kb := model.KnowledgeBase{
		model.CategoryEconomicBuyer: {{
			Value: "Priya Shah", Confidence: 0.6, Relevance: model.RelevanceMedium,
			Metadata: map[string]string{"title": "VP Finance"},
		}},
	}

	got := Reconcile(kb, []Action{
		{Op: OpUpdate, Category: model.CategoryEconomicBuyer, Value: "Priya Shah", Confidence: 0.95, Relevance: model.RelevanceHigh,
			Metadata: map[string]string{"budget_authority": "confirmed"}},
	}, "act-9", testNow)

	require.Len(t, got[model.CategoryEconomicBuyer], 1)
	e := got[model.CategoryEconomicBuyer][0]
	assert.Equal(t, 0.95, e.Confidence)
	assert.Equal(t, model.RelevanceHigh, e.Relevance)
	assert.Equal(t, "VP Finance", e.Metadata["title"])
	assert.Equal(t, "confirmed", e.Metadata["budget_authority"])
	assert.Equal(t, "act-9", e.SourceActivity)
	// Original map untouched.
	assert.NotContains(t, kb[model.CategoryEconomicBuyer][0].Metadata, "budget_authority")
}

func TestDedupe_Backstop(t *testing.T) {
	entries := []model.KnowledgeEntry{
		{Value: "Acme CRM"},
		{Value: "acme  crm"},
		{Value: "HubSpot"},
	}
	got := dedupe(entries, model.CategoryCompetition)
	require.Len(t, got, 2)
	assert.Equal(t, "Acme CRM", got[0].Value)
	assert.Equal(t, "HubSpot", got[1].Value)
}

func TestActionsResponse_Validate(t *testing.T) {
	good := &actionsResponse{Actions: []Action{
		{Op: OpAdd, Category: model.CategoryMetrics, Value: "x", Relevance: model.RelevanceHigh},
	}}
	assert.NoError(t, good.Validate())

	badOp := &actionsResponse{Actions: []Action{{Op: "replace", Category: model.CategoryMetrics, Value: "x", Relevance: model.RelevanceHigh}}}
	assert.Error(t, badOp.Validate())

	badCat := &actionsResponse{Actions: []Action{{Op: OpAdd, Category: "budget", Value: "x", Relevance: model.RelevanceHigh}}}
	assert.Error(t, badCat.Validate())

	badRel := &actionsResponse{Actions: []Action{{Op: OpAdd, Category: model.CategoryMetrics, Value: "x", Relevance: "Critical"}}}
	assert.Error(t, badRel.Validate())

	emptyVal := &actionsResponse{Actions: []Action{{Op: OpAdd, Category: model.CategoryMetrics, Value: "  ", Relevance: model.RelevanceHigh}}}
	assert.Error(t, emptyVal.Validate())
}
