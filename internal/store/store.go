package store

import (
	"context"
	"time"

	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
)

// ActivityFilter specifies criteria for listing activities.
type ActivityFilter struct {
	Since       time.Time `json:"since,omitempty"`
	Unprocessed bool      `json:"unprocessed,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	Offset      int       `json:"offset,omitempty"`
}

// CommitSet is everything one activity produced, persisted atomically:
// updated contact documents, every touched deal, the receipts marking each
// processed pair, and the CRM writeback tasks. Either all of it lands or
// none of it does.
type CommitSet struct {
	ActivityID string
	Contacts   []model.Contact
	Deals      []model.Deal
	Receipts   []model.Receipt
	Tasks      []outbox.Task
}

// Store defines the persistence interface for the intelligence pipeline.
type Store interface {
	// Activities
	SaveActivity(ctx context.Context, activity *model.Activity) error
	SaveActivities(ctx context.Context, activities []model.Activity) error
	GetActivity(ctx context.Context, id string) (*model.Activity, error)
	ListActivities(ctx context.Context, filter ActivityFilter) ([]model.Activity, error)

	// Contacts
	SaveContact(ctx context.Context, contact *model.Contact) error
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	GetContacts(ctx context.Context, ids []string) ([]*model.Contact, error)
	ContactsForDeal(ctx context.Context, dealID string) ([]*model.Contact, error)

	// Deals
	SaveDeal(ctx context.Context, deal *model.Deal) error
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	DealsForContact(ctx context.Context, contactID string) ([]model.Deal, error)

	// CommitIntelligence applies a commit set in one transaction. Receipts
	// are written here and nowhere else.
	CommitIntelligence(ctx context.Context, set CommitSet) error

	// Outbox
	EnqueueTask(ctx context.Context, task outbox.Task) error
	DequeueTasks(ctx context.Context, filter outbox.Filter) ([]outbox.Task, error)
	RetryTaskLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveTask(ctx context.Context, id string) error
	CountTasks(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
