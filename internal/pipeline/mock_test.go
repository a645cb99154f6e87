package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/inference"
	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
	"github.com/sells-group/deal-intel/internal/store"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	mu         sync.Mutex
	activities map[string]*model.Activity
	contacts   map[string]*model.Contact
	deals      map[string]*model.Deal
	tasks      []outbox.Task
	commits    int
	commitErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		activities: map[string]*model.Activity{},
		contacts:   map[string]*model.Contact{},
		deals:      map[string]*model.Deal{},
	}
}

func (f *fakeStore) SaveActivity(_ context.Context, a *model.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.activities[a.ID] = &cp
	return nil
}

func (f *fakeStore) SaveActivities(ctx context.Context, activities []model.Activity) error {
	for i := range activities {
		if err := f.SaveActivity(ctx, &activities[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) GetActivity(_ context.Context, id string) (*model.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.ProcessedFor = append([]model.Receipt(nil), a.ProcessedFor...)
	return &cp, nil
}

func (f *fakeStore) ListActivities(_ context.Context, _ store.ActivityFilter) ([]model.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Activity
	for _, a := range f.activities {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeStore) SaveContact(_ context.Context, c *model.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.contacts[c.ID] = &cp
	return nil
}

func (f *fakeStore) GetContact(_ context.Context, id string) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Relationships = append([]model.RelationshipIntelligence(nil), c.Relationships...)
	return &cp, nil
}

func (f *fakeStore) GetContacts(ctx context.Context, ids []string) ([]*model.Contact, error) {
	var out []*model.Contact
	for _, id := range ids {
		c, err := f.GetContact(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ContactsForDeal(ctx context.Context, dealID string) ([]*model.Contact, error) {
	f.mu.Lock()
	deal, ok := f.deals[dealID]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return f.GetContacts(ctx, deal.ContactIDs)
}

func (f *fakeStore) SaveDeal(_ context.Context, d *model.Deal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := d.Clone()
	f.deals[d.ID] = &cp
	return nil
}

func (f *fakeStore) GetDeal(_ context.Context, id string) (*model.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	if !ok {
		return nil, nil
	}
	cp := d.Clone()
	return &cp, nil
}

func (f *fakeStore) DealsForContact(_ context.Context, contactID string) ([]model.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Deal
	for _, d := range f.deals {
		if d.HasContact(contactID) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) CommitIntelligence(_ context.Context, set store.CommitSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	if f.commitErr != nil {
		return f.commitErr
	}
	for i := range set.Contacts {
		cp := set.Contacts[i]
		f.contacts[cp.ID] = &cp
	}
	for i := range set.Deals {
		cp := set.Deals[i].Clone()
		f.deals[cp.ID] = &cp
	}
	if a, ok := f.activities[set.ActivityID]; ok {
		for _, r := range set.Receipts {
			if !a.HasReceipt(r.ContactID, r.DealID) {
				a.ProcessedFor = append(a.ProcessedFor, r)
			}
		}
	}
	f.tasks = append(f.tasks, set.Tasks...)
	return nil
}

func (f *fakeStore) EnqueueTask(_ context.Context, task outbox.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeStore) DequeueTasks(_ context.Context, _ outbox.Filter) ([]outbox.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbox.Task(nil), f.tasks...), nil
}

func (f *fakeStore) RetryTaskLater(_ context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].RetryCount++
			f.tasks[i].NextRetryAt = nextRetryAt
			f.tasks[i].LastError = lastErr
			return nil
		}
	}
	return eris.Errorf("task not found: %s", id)
}

func (f *fakeStore) RemoveTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) CountTasks(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks), nil
}

func (f *fakeStore) Ping(_ context.Context) error    { return nil }
func (f *fakeStore) Migrate(_ context.Context) error { return nil }
func (f *fakeStore) Close() error                    { return nil }

// fakeGateway answers inference requests from canned JSON keyed by call
// name. Calls listed in fail return an upstream failure instead; calls
// listed in failOnce fail only the first time they are issued.
type fakeGateway struct {
	mu        sync.Mutex
	responses map[string]string
	fail      map[string]bool
	failOnce  map[string]bool
	calls     []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		responses: map[string]string{
			"impact_scorer":             `{"score": 10, "reasoning": "asked about pricing tiers"}`,
			"signal_extractor":          `{"signals": [{"category": "Interest", "text": "wants a pilot", "confidence": 0.9, "relevance": "High"}]}`,
			"pattern_analyzer":          `{"tone": "positive", "depth": "substantive"}`,
			"responsiveness_classifier": `{"status": "Engaged", "summary": "replies within a day", "is_awaiting_response": false}`,
			"role_assigner":             `{"role": "Champion", "reasoning": "pushes internally"}`,
			"relationship_story":        `{"story": "Dana has become the internal champion."}`,
			"deal_summary":              `{"summary": "Acme is evaluating a pilot with strong buying intent."}`,
			"knowledge_extractor":       `{"actions": [{"action": "add", "category": "champion", "value": "Dana Reyes", "confidence": 0.9, "relevance": "High"}]}`,
		},
		fail:     map[string]bool{},
		failOnce: map[string]bool{},
	}
}

func (g *fakeGateway) Complete(_ context.Context, req inference.Request, out inference.Validator) error {
	g.mu.Lock()
	g.calls = append(g.calls, req.Call)
	failed := g.fail[req.Call]
	if g.failOnce[req.Call] {
		failed = true
		delete(g.failOnce, req.Call)
	}
	raw := g.responses[req.Call]
	g.mu.Unlock()

	if failed {
		return &inference.Failure{Kind: inference.FailureUpstream, Call: req.Call, Err: eris.New("model unavailable")}
	}
	if raw == "" {
		return &inference.Failure{Kind: inference.FailureValidation, Call: req.Call, Err: eris.Errorf("no canned response for %s", req.Call)}
	}
	if err := unmarshalInto(raw, out); err != nil {
		return &inference.Failure{Kind: inference.FailureValidation, Call: req.Call, Err: err}
	}
	return out.Validate()
}

func (g *fakeGateway) callCount(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}
