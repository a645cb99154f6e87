package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/resilience"
	"github.com/sells-group/deal-intel/pkg/salesforce"
)

// Queue is the slice of the store the worker needs.
type Queue interface {
	DequeueTasks(ctx context.Context, filter Filter) ([]Task, error)
	RetryTaskLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveTask(ctx context.Context, id string) error
}

// Runner processes a TaskPipelineRun task. Declared here so the pipeline
// package can depend on outbox without a cycle.
type Runner interface {
	ProcessActivity(ctx context.Context, activityID string) error
}

// WorkerConfig controls the drain loop and retry backoff. PushRetry is the
// in-process retry applied to each task delivery; rescheduling through the
// queue handles failures that outlive it.
type WorkerConfig struct {
	Interval       time.Duration
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
	PushRetry      resilience.RetryConfig
}

// DefaultWorkerConfig returns production-ready worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:       30 * time.Second,
		BatchSize:      20,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		JitterFraction: 0.2,
		PushRetry:      resilience.DefaultRetryConfig(),
	}
}

// Worker drains queued tasks: CRM writebacks are pushed to Salesforce and
// pipeline-run tasks are handed to the runner. Delivery is at-least-once:
// a task is removed only after a successful push, so a crash between push
// and removal replays the task. Field updates are idempotent overwrites
// and pipeline runs are receipt-guarded, making replays safe.
type Worker struct {
	cfg    WorkerConfig
	queue  Queue
	crm    salesforce.Client
	runner Runner
	nudge  chan struct{}
}

// WorkerOption customizes a Worker beyond its required collaborators.
type WorkerOption func(*Worker)

// WithRunner attaches the pipeline runner for TaskPipelineRun tasks.
func WithRunner(r Runner) WorkerOption {
	return func(w *Worker) { w.runner = r }
}

// NewWorker wires a worker against a task queue and a CRM client. The CRM
// client may be nil when writeback is disabled; CRM tasks then reschedule
// until it is configured.
func NewWorker(cfg WorkerConfig, queue Queue, crm salesforce.Client, opts ...WorkerOption) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultWorkerConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultWorkerConfig().MaxBackoff
	}
	if cfg.PushRetry.OnRetry == nil {
		cfg.PushRetry.OnRetry = resilience.RetryLogger("outbox", "push")
	}
	w := &Worker{cfg: cfg, queue: queue, crm: crm, nudge: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue on an interval until the context is cancelled.
// A Nudge wakes the loop early.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	zap.L().Info("outbox worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize))

	for {
		if err := w.Drain(ctx); err != nil {
			zap.L().Error("outbox drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			zap.L().Info("outbox worker stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

// Nudge asks the worker to drain soon instead of waiting out the interval.
// Never blocks; a pending nudge absorbs further ones.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Drain processes one batch of ready tasks. Per-task failures are
// rescheduled, not returned; only a queue read error aborts the pass.
func (w *Worker) Drain(ctx context.Context) error {
	tasks, err := w.queue.DequeueTasks(ctx, Filter{Limit: w.cfg.BatchSize})
	if err != nil {
		return eris.Wrap(err, "outbox: dequeue tasks")
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := resilience.Do(ctx, w.cfg.PushRetry, func(ctx context.Context) error {
			return w.push(ctx, task)
		})
		if err != nil {
			w.reschedule(ctx, task, err)
			continue
		}
		if err := w.queue.RemoveTask(ctx, task.ID); err != nil {
			zap.L().Error("failed to remove completed task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		zap.L().Info("outbox task delivered",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("deal_id", task.DealID))
	}
	return nil
}

func (w *Worker) push(ctx context.Context, task Task) error {
	if task.Kind == TaskPipelineRun {
		return w.runPipeline(ctx, task)
	}
	fields, err := w.fieldsFor(task)
	if err != nil {
		return err
	}
	if w.crm == nil {
		return eris.Errorf("outbox: no CRM client for task %s", task.ID)
	}
	if err := w.crm.UpdateOne(ctx, "Opportunity", task.CRMID, fields); err != nil {
		return eris.Wrapf(err, "outbox: update opportunity %s", task.CRMID)
	}
	return nil
}

func (w *Worker) runPipeline(ctx context.Context, task Task) error {
	if w.runner == nil {
		return eris.Errorf("outbox: no runner for task %s", task.ID)
	}
	var p RunPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return eris.Wrapf(err, "outbox: decode run payload for task %s", task.ID)
	}
	if err := w.runner.ProcessActivity(ctx, p.ActivityID); err != nil {
		return eris.Wrapf(err, "outbox: process activity %s", p.ActivityID)
	}
	return nil
}

func (w *Worker) fieldsFor(task Task) (map[string]any, error) {
	switch task.Kind {
	case TaskDealHealth:
		var p HealthPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, eris.Wrapf(err, "outbox: decode health payload for task %s", task.ID)
		}
		return salesforce.HealthFields(p.Temperature, p.Momentum, p.HealthTrend), nil
	case TaskDealNarrative:
		var p NarrativePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, eris.Wrapf(err, "outbox: decode narrative payload for task %s", task.ID)
		}
		return salesforce.NarrativeFields(p.Narrative), nil
	default:
		return nil, eris.Errorf("outbox: unknown task kind %q", task.Kind)
	}
}

func (w *Worker) reschedule(ctx context.Context, task Task, cause error) {
	next := time.Now().Add(w.backoff(task.RetryCount))
	if err := w.queue.RetryTaskLater(ctx, task.ID, next, cause.Error()); err != nil {
		zap.L().Error("failed to reschedule task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	zap.L().Warn("outbox task rescheduled",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Int("retry_count", task.RetryCount+1),
		zap.Int("max_retries", task.MaxRetries),
		zap.Time("next_retry_at", next),
		zap.Error(cause))
}

func (w *Worker) backoff(retryCount int) time.Duration {
	return resilience.Backoff(retryCount, resilience.RetryConfig{
		InitialBackoff: w.cfg.InitialBackoff,
		MaxBackoff:     w.cfg.MaxBackoff,
		Multiplier:     2,
		JitterFraction: w.cfg.JitterFraction,
	})
}
