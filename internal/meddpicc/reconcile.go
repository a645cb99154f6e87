// Package meddpicc maintains the deal-level qualification knowledge base:
// per-activity extraction of qualification signals and the action-based
// reconciliation that merges them into the deal's persistent category
// arrays without duplicates.
package meddpicc

import (
	"sort"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/deal-intel/internal/model"
)

// Op is the reconciliation action type.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// opRank orders actions so consolidation works in one pass: removes clear
// duplicates first, updates reshape survivors, adds fill gaps last.
var opRank = map[Op]int{OpRemove: 0, OpUpdate: 1, OpAdd: 2}

// Action is one proposed change to a knowledge category.
type Action struct {
	Op       Op                      `json:"action"`
	Category model.KnowledgeCategory `json:"category"`
	// Value is the entry's key-field text.
	Value      string            `json:"value"`
	// PriorValue identifies the existing entry a remove or key-changing
	// update targets. Empty means match on Value itself.
	PriorValue string            `json:"prior_value,omitempty"`
	Confidence float64           `json:"confidence"`
	Relevance  model.Relevance   `json:"relevance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NormalizeKey canonicalizes a key-field for comparison: NFKC fold,
// lowercase, trim, collapse internal whitespace, unify em/en dashes to a
// plain hyphen.
func NormalizeKey(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "—", "-") // em dash
	s = strings.ReplaceAll(s, "–", "-") // en dash
	return strings.Join(strings.Fields(s), " ")
}

// Reconcile merges the proposed actions into the knowledge base and returns
// a new knowledge base; the input is never mutated. After reconciliation no
// two entries in a category share a normalized key-field. Missing remove or
// update targets are logged with fuzzy-match diagnostics and skipped — never
// fatal.
func Reconcile(kb model.KnowledgeBase, actions []Action, activityID string, now time.Time) model.KnowledgeBase {
	out := kb.Clone()
	if out == nil {
		out = make(model.KnowledgeBase)
	}

	byCategory := make(map[model.KnowledgeCategory][]Action)
	for _, act := range actions {
		// Low relevance never reaches persisted state.
		if !act.Relevance.Persistable() {
			continue
		}
		if _, ok := opRank[act.Op]; !ok {
			zap.L().Warn("meddpicc: unknown action op, skipping",
				zap.String("op", string(act.Op)),
				zap.String("category", string(act.Category)),
			)
			continue
		}
		byCategory[act.Category] = append(byCategory[act.Category], act)
	}

	for cat, acts := range byCategory {
		sort.SliceStable(acts, func(i, j int) bool {
			return opRank[acts[i].Op] < opRank[acts[j].Op]
		})

		entries := out[cat]
		for _, act := range acts {
			switch act.Op {
			case OpRemove:
				entries = applyRemove(entries, cat, act)
			case OpUpdate:
				entries = applyUpdate(entries, cat, act, activityID, now)
			case OpAdd:
				entries = applyAdd(entries, cat, act, activityID, now)
			}
		}
		out[cat] = dedupe(entries, cat)
	}

	return out
}

func applyRemove(entries []model.KnowledgeEntry, cat model.KnowledgeCategory, act Action) []model.KnowledgeEntry {
	target := act.PriorValue
	if target == "" {
		target = act.Value
	}
	key := NormalizeKey(target)
	for i, e := range entries {
		if NormalizeKey(e.Value) == key {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	logMiss("remove", cat, target, entries)
	return entries
}

func applyUpdate(entries []model.KnowledgeEntry, cat model.KnowledgeCategory, act Action, activityID string, now time.Time) []model.KnowledgeEntry {
	// No prior value: enrich the entry whose key already matches.
	target := act.PriorValue
	if target == "" {
		target = act.Value
	}
	key := NormalizeKey(target)
	for i, e := range entries {
		if NormalizeKey(e.Value) == key {
			entries = append(entries[:i:i], entries[i:]...)
			entries[i] = mergeEntry(e, act, activityID, now)
			return entries
		}
	}

	// An update that finds no target becomes an insert; silently dropping a
	// proposed fact loses information.
	logMiss("update", cat, target, entries)
	return applyAdd(entries, cat, act, activityID, now)
}

func applyAdd(entries []model.KnowledgeEntry, cat model.KnowledgeCategory, act Action, activityID string, now time.Time) []model.KnowledgeEntry {
	key := NormalizeKey(act.Value)
	for _, e := range entries {
		if NormalizeKey(e.Value) == key {
			// Duplicate add is a no-op, not an error.
			zap.L().Debug("meddpicc: duplicate add skipped",
				zap.String("category", string(cat)),
				zap.String("value", act.Value),
			)
			return entries
		}
	}
	return append(entries, model.KnowledgeEntry{
		Value:          act.Value,
		Confidence:     act.Confidence,
		Relevance:      act.Relevance,
		Metadata:       act.Metadata,
		SourceActivity: activityID,
		UpdatedAt:      now,
	})
}

// mergeEntry replaces the key-field and merges remaining fields into the
// existing entry.
func mergeEntry(existing model.KnowledgeEntry, act Action, activityID string, now time.Time) model.KnowledgeEntry {
	out := existing
	out.Value = act.Value
	if act.Confidence > 0 {
		out.Confidence = act.Confidence
	}
	out.Relevance = act.Relevance
	if len(act.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(act.Metadata))
		} else {
			merged := make(map[string]string, len(out.Metadata)+len(act.Metadata))
			for k, v := range out.Metadata {
				merged[k] = v
			}
			out.Metadata = merged
		}
		for k, v := range act.Metadata {
			out.Metadata[k] = v
		}
	}
	out.SourceActivity = activityID
	out.UpdatedAt = now
	return out
}

// dedupe drops any entry whose normalized key collides with an earlier one.
// The ordered apply above should already guarantee uniqueness; this is the
// correctness backstop behind the category invariant.
func dedupe(entries []model.KnowledgeEntry, cat model.KnowledgeCategory) []model.KnowledgeEntry {
	seen := make(map[string]bool, len(entries))
	kept := entries[:0:0]
	for _, e := range entries {
		key := NormalizeKey(e.Value)
		if seen[key] {
			zap.L().Warn("meddpicc: post-pass dedup dropped entry",
				zap.String("category", string(cat)),
				zap.String("value", e.Value),
			)
			continue
		}
		seen[key] = true
		kept = append(kept, e)
	}
	return kept
}

// logMiss emits the fuzzy-match diagnostic for a remove/update whose target
// was not found: the nearest existing keys by edit distance. A debug aid for
// prompt and data-quality issues, not a correctness mechanism.
func logMiss(op string, cat model.KnowledgeCategory, target string, entries []model.KnowledgeEntry) {
	type candidate struct {
		value string
		dist  int
	}
	key := NormalizeKey(target)
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		candidates = append(candidates, candidate{
			value: e.Value,
			dist:  levenshtein.Distance(key, NormalizeKey(e.Value), nil),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	nearest := make([]string, len(candidates))
	for i, c := range candidates {
		nearest[i] = c.value
	}
	zap.L().Warn("meddpicc: action target not found",
		zap.String("op", op),
		zap.String("category", string(cat)),
		zap.String("target", target),
		zap.Strings("nearest_matches", nearest),
	)
}
