// Package inference provides the gateway to the external language-model
// service: prompt in, schema-validated object out. The gateway owns the
// per-call timeout, the shared concurrency ceiling for outbound inference
// calls, and the typed failure contract the pipeline's error handling is
// built on.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/deal-intel/internal/resilience"
	"github.com/sells-group/deal-intel/pkg/anthropic"
)

// FailureKind classifies a gateway failure.
type FailureKind string

const (
	// FailureTimeout means the call exceeded its per-call deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureValidation means the model responded but the payload did not
	// satisfy the target schema.
	FailureValidation FailureKind = "validation"
	// FailureUpstream covers transport and service errors, including an
	// open circuit breaker.
	FailureUpstream FailureKind = "upstream"
)

// Failure is the typed error every gateway call resolves to on error.
type Failure struct {
	Kind FailureKind
	Call string
	Err  error
}

func (f *Failure) Error() string {
	return "inference: " + f.Call + " " + string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf extracts the failure kind from an error chain. The second return
// is false when the error did not originate from the gateway.
func KindOf(err error) (FailureKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// IsTimeout reports whether err is a gateway timeout failure.
func IsTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == FailureTimeout
}

// Validator is implemented by every response schema the gateway decodes
// into. Validate runs after unmarshaling and enforces enum membership,
// ranges, and required fields.
type Validator interface {
	Validate() error
}

// Request is a single inference call.
type Request struct {
	// Call names the analyzer or generator issuing the request, for cost
	// attribution and diagnostics.
	Call      string
	System    string
	Prompt    string
	Model     string
	MaxTokens int64
}

// Gateway executes inference calls against the external model service.
// Implementations are safe for concurrent use; the pipeline shares one
// gateway across all pairs and analyzers.
type Gateway interface {
	Complete(ctx context.Context, req Request, out Validator) error
}

// Config holds gateway tuning.
type Config struct {
	// MaxConcurrentCalls bounds in-flight calls to the model service across
	// the whole process. The model service is the scarce resource, so this
	// ceiling is tighter than the pair ceiling.
	MaxConcurrentCalls int64
	// CallTimeout is the per-call deadline. Minutes-scale: some calls
	// include live lookups on the service side.
	CallTimeout time.Duration
	// Breaker wraps calls so a misbehaving upstream sheds load fast.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns small-by-design concurrency defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentCalls: 3,
		CallTimeout:        3 * time.Minute,
		Breaker:            resilience.DefaultCircuitBreakerConfig(),
	}
}

type gateway struct {
	client  anthropic.Client
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// New creates a Gateway backed by the Anthropic client. The gateway is
// always passed into constructors explicitly; there is no process-wide
// registry of configured agents.
func New(client anthropic.Client, cfg Config) Gateway {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Minute
	}
	return &gateway{
		client:  client,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		timeout: cfg.CallTimeout,
	}
}

func (g *gateway) Complete(ctx context.Context, req Request, out Validator) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return &Failure{Kind: FailureUpstream, Call: req.Call, Err: err}
	}
	defer g.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msgReq := anthropic.MessageRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.Message{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.System != "" {
		msgReq.System = anthropic.BuildCachedSystemBlocks(req.System)
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(callCtx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, msgReq)
	})
	if err != nil {
		kind := FailureUpstream
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			kind = FailureTimeout
		}
		zap.L().Warn("inference: call failed",
			zap.String("call", req.Call),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return &Failure{Kind: kind, Call: req.Call, Err: err}
	}

	resp.Usage.LogCost(req.Model, req.Call)

	cleaned := anthropic.CleanJSON(anthropic.ExtractText(resp))
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &Failure{
			Kind: FailureValidation,
			Call: req.Call,
			Err:  eris.Wrap(err, "decode response"),
		}
	}
	if err := out.Validate(); err != nil {
		return &Failure{
			Kind: FailureValidation,
			Call: req.Call,
			Err:  eris.Wrap(err, "schema validation"),
		}
	}
	return nil
}
