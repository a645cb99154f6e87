// Package pipeline orchestrates intelligence aggregation for activities:
// pair discovery, parallel per-pair analysis, pure application of deltas,
// deal-level knowledge reconciliation, and the atomic commit.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/deal-intel/internal/analyzer"
	"github.com/sells-group/deal-intel/internal/intel"
	"github.com/sells-group/deal-intel/internal/meddpicc"
	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
	"github.com/sells-group/deal-intel/internal/store"
)

// Config tunes pipeline concurrency and writeback.
type Config struct {
	// MaxConcurrentPairs caps how many pairs run their analyzers at once.
	// Inference calls inside each pair are capped separately by the gateway.
	MaxConcurrentPairs int  `yaml:"max_concurrent_pairs" mapstructure:"max_concurrent_pairs"`
	CRMWriteback       bool `yaml:"crm_writeback" mapstructure:"crm_writeback"`
	OutboxMaxRetries   int  `yaml:"outbox_max_retries" mapstructure:"outbox_max_retries"`
}

// DefaultConfig returns the default pipeline tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPairs: 4,
		CRMWriteback:       true,
		OutboxMaxRetries:   5,
	}
}

// Pipeline runs the five analysis phases for one activity at a time.
type Pipeline struct {
	cfg       Config
	store     store.Store
	analyzer  *analyzer.Analyzer
	extractor *meddpicc.Extractor
}

// New creates a Pipeline with all dependencies.
func New(cfg Config, st store.Store, an *analyzer.Analyzer, ex *meddpicc.Extractor) *Pipeline {
	if cfg.MaxConcurrentPairs <= 0 {
		cfg.MaxConcurrentPairs = DefaultConfig().MaxConcurrentPairs
	}
	if cfg.OutboxMaxRetries <= 0 {
		cfg.OutboxMaxRetries = DefaultConfig().OutboxMaxRetries
	}
	return &Pipeline{cfg: cfg, store: st, analyzer: an, extractor: ex}
}

// PairFailure records a pair whose primary analysis failed. The pair keeps
// no receipt and is retried on the next run.
type PairFailure struct {
	ContactID string `json:"contact_id"`
	DealID    string `json:"deal_id"`
	Error     string `json:"error"`
}

// Result summarizes one activity's processing.
type Result struct {
	ActivityID      string        `json:"activity_id"`
	PairsDiscovered int           `json:"pairs_discovered"`
	PairsProcessed  int           `json:"pairs_processed"`
	PairsFailed     []PairFailure `json:"pairs_failed,omitempty"`
	DealsUpdated    []string      `json:"deals_updated,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// collectOutcome is one pair's analysis output before application.
type collectOutcome struct {
	pair  Pair
	delta *model.ContactDelta
	err   error
}

// Run processes one activity end to end. Pair-level failures degrade the
// result rather than failing the run; only infrastructure errors (store,
// discovery) surface as errors.
func (p *Pipeline) Run(ctx context.Context, activityID string) (*Result, error) {
	start := time.Now()
	log := zap.L().With(zap.String("activity", activityID))

	activity, err := p.store.GetActivity(ctx, activityID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load activity")
	}
	if activity == nil {
		return nil, eris.Errorf("pipeline: activity not found: %s", activityID)
	}

	pairs, err := DiscoverPairs(ctx, p.store, activity)
	if err != nil {
		return nil, err
	}
	result := &Result{ActivityID: activityID, PairsDiscovered: len(pairs)}
	if len(pairs) == 0 {
		log.Info("pipeline: no pairs to process")
		result.Duration = time.Since(start)
		return result, nil
	}

	log.Info("pipeline: collecting intelligence",
		zap.Int("pairs", len(pairs)),
		zap.Int("max_concurrent", p.cfg.MaxConcurrentPairs),
	)

	outcomes := p.collect(ctx, activity, pairs)

	// Application and aggregation run sequentially: a contact shared by
	// several pairs accumulates every relationship update into one document.
	now := time.Now().UTC()
	contacts := map[string]*model.Contact{}
	byDeal := map[string][]collectOutcome{}

	for _, oc := range outcomes {
		if oc.err != nil {
			log.Warn("pipeline: pair failed",
				zap.String("contact", oc.pair.Contact.ID),
				zap.String("deal", oc.pair.Deal.ID),
				zap.Error(oc.err),
			)
			result.PairsFailed = append(result.PairsFailed, PairFailure{
				ContactID: oc.pair.Contact.ID,
				DealID:    oc.pair.Deal.ID,
				Error:     oc.err.Error(),
			})
			continue
		}

		contact, ok := contacts[oc.pair.Contact.ID]
		if !ok {
			contact = oc.pair.Contact
		}
		rec := intel.Apply(contact.Relationship(oc.pair.Deal.ID), oc.delta, now)
		updated := contact.WithRelationship(rec)
		contacts[contact.ID] = &updated

		byDeal[oc.pair.Deal.ID] = append(byDeal[oc.pair.Deal.ID], oc)
		result.PairsProcessed++
	}

	// A contact spanning several of this activity's deals merges every
	// update into one document, but concurrent runs over the same contact
	// can still interleave, so surface it for the operator.
	if len(byDeal) > 1 {
		seen := map[string]int{}
		for _, ocs := range byDeal {
			for _, oc := range ocs {
				seen[oc.pair.Contact.ID]++
			}
		}
		for id, n := range seen {
			if n > 1 {
				log.Warn("pipeline: contact spans multiple deals", zap.String("contact", id), zap.Int("deals", n))
			}
		}
	}

	set := store.CommitSet{ActivityID: activityID}
	for dealID, dealOutcomes := range byDeal {
		deal, tasks, receipts := p.aggregateDeal(ctx, activity, dealOutcomes[0].pair.Deal, dealOutcomes, contacts, now)
		set.Deals = append(set.Deals, deal)
		set.Tasks = append(set.Tasks, tasks...)
		set.Receipts = append(set.Receipts, receipts...)
		result.DealsUpdated = append(result.DealsUpdated, dealID)
	}
	for _, c := range contacts {
		set.Contacts = append(set.Contacts, *c)
	}

	// Phase 5 is one transaction for the whole activity. Either every mutated
	// contact, every deal, and every receipt lands, or none of them do and all
	// pairs stay owed a retry.
	if len(byDeal) > 0 {
		if err := p.store.CommitIntelligence(ctx, set); err != nil {
			return nil, eris.Wrap(err, "pipeline: commit")
		}
	}

	result.Duration = time.Since(start)
	log.Info("pipeline: activity processed",
		zap.Int("pairs_processed", result.PairsProcessed),
		zap.Int("pairs_failed", len(result.PairsFailed)),
		zap.Strings("deals_updated", result.DealsUpdated),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// collect fans the pairs out across the analyzer. Each pair runs its five
// analyses concurrently; the impact score and role assignment are the
// primary analyses and either failing fails the pair, while secondary
// failures leave nil fields.
func (p *Pipeline) collect(ctx context.Context, activity *model.Activity, pairs []Pair) []collectOutcome {
	outcomes := make([]collectOutcome, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentPairs)
	for i, pair := range pairs {
		g.Go(func() error {
			delta, err := p.collectPair(gctx, activity, pair)
			outcomes[i] = collectOutcome{pair: pair, delta: delta, err: err}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // pair errors live in outcomes

	return outcomes
}

func (p *Pipeline) collectPair(ctx context.Context, activity *model.Activity, pair Pair) (*model.ContactDelta, error) {
	pc := analyzer.PairContext{
		Activity: activity,
		Contact:  pair.Contact,
		Deal:     pair.Deal,
		Rel:      pair.Contact.Relationship(pair.Deal.ID),
	}
	log := zap.L().With(
		zap.String("activity", activity.ID),
		zap.String("contact", pair.Contact.ID),
		zap.String("deal", pair.Deal.ID),
	)

	delta := &model.ContactDelta{
		ActivityID: activity.ID,
		ContactID:  pair.Contact.ID,
		DealID:     pair.Deal.ID,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		impact, err := p.analyzer.ScoreImpact(gctx, pc)
		if err != nil {
			return eris.Wrap(err, "pipeline: impact score")
		}
		delta.Impact = impact
		return nil
	})
	g.Go(func() error {
		signals, err := p.analyzer.ExtractSignals(gctx, pc)
		if err != nil {
			log.Warn("pipeline: signal extraction failed", zap.Error(err))
			return nil
		}
		delta.Signals = signals
		return nil
	})
	g.Go(func() error {
		pattern, err := p.analyzer.AnalyzePattern(gctx, pc)
		if err != nil {
			log.Warn("pipeline: pattern analysis failed", zap.Error(err))
			return nil
		}
		delta.Pattern = pattern
		return nil
	})
	g.Go(func() error {
		resp, err := p.analyzer.ClassifyResponsiveness(gctx, pc)
		if err != nil {
			log.Warn("pipeline: responsiveness classification failed", zap.Error(err))
			return nil
		}
		delta.Responsiveness = resp
		return nil
	})
	g.Go(func() error {
		role, err := p.analyzer.AssignRole(gctx, pc)
		if err != nil {
			return eris.Wrap(err, "pipeline: role assignment")
		}
		delta.Role = role
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return delta, nil
}

// aggregateDeal runs the deal-level phase for one deal and returns the
// updated deal plus the receipts and writeback tasks it contributes to the
// activity's commit. Nothing here is durable; that happens in Phase 5.
func (p *Pipeline) aggregateDeal(
	ctx context.Context,
	activity *model.Activity,
	deal *model.Deal,
	outcomes []collectOutcome,
	contacts map[string]*model.Contact,
	now time.Time,
) (model.Deal, []outbox.Task, []model.Receipt) {
	log := zap.L().With(zap.String("activity", activity.ID), zap.String("deal", deal.ID))

	// Knowledge extraction runs once per (activity, deal), not per pair.
	actions, err := p.extractor.Extract(ctx, activity, deal)
	if err != nil {
		log.Warn("pipeline: knowledge extraction failed", zap.Error(err))
	}

	updatedDeal := deal.Clone()
	if len(actions) > 0 {
		updatedDeal.Knowledge = meddpicc.Reconcile(deal.Knowledge, actions, activity.ID, now)
	}

	// Relationship stories refresh after the deltas are applied.
	var dealContacts []*model.Contact
	for _, oc := range outcomes {
		contact := contacts[oc.pair.Contact.ID]
		rel := contact.Relationship(deal.ID)
		story, err := p.analyzer.RelationshipStory(ctx, contact, deal, rel)
		if err != nil {
			log.Warn("pipeline: relationship story failed",
				zap.String("contact", contact.ID), zap.Error(err))
		} else if rel != nil {
			rel.RelationshipStory = story
		}
		dealContacts = append(dealContacts, contact)
	}

	healthy := intel.UpdateHealth(&updatedDeal, dealContacts, activity.ID, now)
	updatedDeal = healthy

	narrative, err := p.analyzer.DealSummary(ctx, &updatedDeal, dealContacts)
	if err != nil {
		log.Warn("pipeline: deal summary failed", zap.Error(err))
	} else {
		updatedDeal.LatestNarrative = narrative
		updatedDeal.NarrativeHistory = append(updatedDeal.NarrativeHistory, model.DealNarrative{
			Text:           narrative,
			GeneratedAt:    now,
			SourceActivity: activity.ID,
		})
	}

	var receipts []model.Receipt
	for _, oc := range outcomes {
		receipts = append(receipts, model.Receipt{
			ContactID:   oc.pair.Contact.ID,
			DealID:      deal.ID,
			ProcessedAt: now,
		})
	}
	return updatedDeal, p.writebackTasks(&updatedDeal), receipts
}

// writebackTasks builds the CRM outbox tasks for an updated deal. Deals
// without a CRM id produce nothing.
func (p *Pipeline) writebackTasks(deal *model.Deal) []outbox.Task {
	if !p.cfg.CRMWriteback || deal.CRMID == "" {
		return nil
	}

	var tasks []outbox.Task
	if n := len(deal.TemperatureHistory); n > 0 {
		latest := deal.TemperatureHistory[n-1]
		payload, err := json.Marshal(outbox.HealthPayload{
			Temperature: latest.Temperature,
			Momentum:    string(deal.MomentumDirection),
			HealthTrend: deal.HealthTrend,
		})
		if err == nil {
			tasks = append(tasks, outbox.Task{
				Kind:       outbox.TaskDealHealth,
				DealID:     deal.ID,
				CRMID:      deal.CRMID,
				Payload:    payload,
				MaxRetries: p.cfg.OutboxMaxRetries,
			})
		}
	}
	if deal.LatestNarrative != "" {
		payload, err := json.Marshal(outbox.NarrativePayload{Narrative: deal.LatestNarrative})
		if err == nil {
			tasks = append(tasks, outbox.Task{
				Kind:       outbox.TaskDealNarrative,
				DealID:     deal.ID,
				CRMID:      deal.CRMID,
				Payload:    payload,
				MaxRetries: p.cfg.OutboxMaxRetries,
			})
		}
	}
	return tasks
}
