package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Opportunity represents the Salesforce Opportunity fields the pipeline
// reads and writes. The intelligence fields are custom fields on the org.
type Opportunity struct {
	ID          string  `json:"Id" salesforce:"Id"`
	Name        string  `json:"Name" salesforce:"Name"`
	StageName   string  `json:"StageName" salesforce:"StageName"`
	Amount      float64 `json:"Amount" salesforce:"Amount"`
	Temperature float64 `json:"Deal_Temperature__c" salesforce:"Deal_Temperature__c"`
	Momentum    string  `json:"Deal_Momentum__c" salesforce:"Deal_Momentum__c"`
	HealthTrend string  `json:"Health_Trend__c" salesforce:"Health_Trend__c"`
	Narrative   string  `json:"Deal_Narrative__c" salesforce:"Deal_Narrative__c"`
}

var opportunityFields = []string{
	"Id", "Name", "StageName", "Amount",
	"Deal_Temperature__c", "Deal_Momentum__c", "Health_Trend__c", "Deal_Narrative__c",
}

// FindOpportunityByID queries Salesforce for an Opportunity by its ID.
// Returns nil if no record is found.
func FindOpportunityByID(ctx context.Context, c Client, id string) (*Opportunity, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Opportunity WHERE Id = '%s' LIMIT 1",
		strings.Join(opportunityFields, ", "),
		escapeSoql(id),
	)

	var opps []Opportunity
	if err := c.Query(ctx, soql, &opps); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find opportunity %s", id))
	}
	if len(opps) == 0 {
		return nil, nil
	}
	return &opps[0], nil
}

// HealthFields builds the UpdateOne field map for a deal health push.
func HealthFields(temperature float64, momentum, trend string) map[string]any {
	return map[string]any{
		"Deal_Temperature__c": temperature,
		"Deal_Momentum__c":    momentum,
		"Health_Trend__c":     trend,
	}
}

// NarrativeFields builds the UpdateOne field map for a narrative push.
func NarrativeFields(narrative string) map[string]any {
	return map[string]any{
		"Deal_Narrative__c": narrative,
	}
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
