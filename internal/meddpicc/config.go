package meddpicc

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/deal-intel/internal/model"
)

// CategoryDefinition is the extraction guidance for one qualification
// category: what belongs in it and what its key-field means.
type CategoryDefinition struct {
	Label    string `yaml:"label"`
	KeyField string `yaml:"key_field"`
	Guidance string `yaml:"guidance"`
}

// Definitions maps each category to its extraction guidance. The built-in
// set can be overridden per deployment from a YAML file.
type Definitions map[model.KnowledgeCategory]CategoryDefinition

// DefaultDefinitions returns the built-in MEDDPICC category guidance.
func DefaultDefinitions() Definitions {
	return Definitions{
		model.CategoryMetrics: {
			Label: "Metrics", KeyField: "metric",
			Guidance: "Quantified business outcomes the buyer expects (cost savings, revenue lift, time reduction).",
		},
		model.CategoryEconomicBuyer: {
			Label: "Economic Buyer", KeyField: "name",
			Guidance: "The person with budget authority. Key-field is their name.",
		},
		model.CategoryDecisionCriteria: {
			Label: "Decision Criteria", KeyField: "criterion",
			Guidance: "Formal and informal criteria the buyer will judge vendors on.",
		},
		model.CategoryDecisionProcess: {
			Label: "Decision Process", KeyField: "step",
			Guidance: "Steps, owners and dates of the buyer's decision process.",
		},
		model.CategoryPaperProcess: {
			Label: "Paper Process", KeyField: "step",
			Guidance: "Legal, security and procurement steps between verbal yes and signature.",
		},
		model.CategoryIdentifiedPain: {
			Label: "Identified Pain", KeyField: "pain",
			Guidance: "Concrete problems the buyer has acknowledged.",
		},
		model.CategoryChampion: {
			Label: "Champion", KeyField: "name",
			Guidance: "People selling internally on our behalf. Key-field is their name.",
		},
		model.CategoryCompetition: {
			Label: "Competition", KeyField: "competitor",
			Guidance: "Competing vendors or the status quo, with evaluation state.",
		},
	}
}

// LoadDefinitions reads category definition overrides from a YAML file and
// layers them over the defaults. Unknown categories in the file are
// rejected.
func LoadDefinitions(path string) (Definitions, error) {
	defs := DefaultDefinitions()
	if path == "" {
		return defs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "meddpicc: read definitions %s", path)
	}

	var wrapper struct {
		Categories map[string]CategoryDefinition `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "meddpicc: parse definitions")
	}

	for name, def := range wrapper.Categories {
		cat := model.KnowledgeCategory(name)
		base, ok := defs[cat]
		if !ok {
			return nil, eris.Errorf("meddpicc: unknown category %q in %s", name, path)
		}
		if def.Label != "" {
			base.Label = def.Label
		}
		if def.KeyField != "" {
			base.KeyField = def.KeyField
		}
		if def.Guidance != "" {
			base.Guidance = def.Guidance
		}
		defs[cat] = base
	}
	return defs, nil
}
