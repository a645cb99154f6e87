package analyzer

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/model"
)

const roleSystemPrompt = `You identify the stakeholder role one contact plays on a commercial deal. Respond with a valid JSON object: {"role": "<Economic Buyer|Champion|Influencer|User|Blocker|Decision Maker|Other|Uninvolved>", "reasoning": "<one sentence>"}.

Default to "Uninvolved" when the contact shows no evident participation in the deal.`

const roleInstructions = `Identify the deal role of the contact below, given this activity and the relationship history.`

type roleResponse struct {
	Role      model.ContactRole `json:"role"`
	Reasoning string            `json:"reasoning"`
}

func (r *roleResponse) Validate() error {
	if !slices.Contains(model.AllContactRoles(), r.Role) {
		return eris.Errorf("unknown role %q", r.Role)
	}
	return nil
}

// AssignRole runs the Role Assigner.
func (a *Analyzer) AssignRole(ctx context.Context, pc PairContext) (*model.RoleAssessment, error) {
	var resp roleResponse
	err := a.complete(ctx, pc, "role_assigner", roleSystemPrompt, roleInstructions, 192, a.cfg.FastModel, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "analyzer: role")
	}
	return &model.RoleAssessment{Role: resp.Role, Reasoning: resp.Reasoning}, nil
}
