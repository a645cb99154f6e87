package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deal-intel/internal/resilience"
	"github.com/sells-group/deal-intel/pkg/anthropic"
)

type fakeModel struct {
	mu       sync.Mutex
	requests []anthropic.MessageRequest
	text     string
	err      error
	delay    time.Duration
	inflight atomic.Int64
	maxSeen  atomic.Int64
}

func (f *fakeModel) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

type scoreOut struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

func (s *scoreOut) Validate() error {
	if s.Score < -100 || s.Score > 100 {
		return eris.Errorf("score %d out of range", s.Score)
	}
	return nil
}

func testConfig() Config {
	return Config{
		MaxConcurrentCalls: 2,
		CallTimeout:        time.Second,
		Breaker:            resilience.DefaultCircuitBreakerConfig(),
	}
}

func TestGateway_Complete_DecodesAndValidates(t *testing.T) {
	fm := &fakeModel{text: `{"score": 12, "reasoning": "asked for pricing"}`}
	gw := New(fm, testConfig())

	var out scoreOut
	err := gw.Complete(context.Background(), Request{
		Call: "impact_scorer", System: "sys", Prompt: "p", Model: "m", MaxTokens: 256,
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, 12, out.Score)
	require.Len(t, fm.requests, 1)
	assert.Equal(t, "m", fm.requests[0].Model)
	require.NotEmpty(t, fm.requests[0].System)
	assert.Equal(t, "sys", fm.requests[0].System[0].Text)
}

func TestGateway_Complete_FencedJSON(t *testing.T) {
	fm := &fakeModel{text: "```json\n{\"score\": 3, \"reasoning\": \"ok\"}\n```"}
	gw := New(fm, testConfig())

	var out scoreOut
	require.NoError(t, gw.Complete(context.Background(), Request{Call: "c"}, &out))
	assert.Equal(t, 3, out.Score)
}

func TestGateway_Complete_MalformedJSONIsValidationFailure(t *testing.T) {
	fm := &fakeModel{text: `not json at all`}
	gw := New(fm, testConfig())

	var out scoreOut
	err := gw.Complete(context.Background(), Request{Call: "impact_scorer"}, &out)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureValidation, kind)
}

func TestGateway_Complete_SchemaRejectionIsValidationFailure(t *testing.T) {
	fm := &fakeModel{text: `{"score": 999, "reasoning": "way off"}`}
	gw := New(fm, testConfig())

	var out scoreOut
	err := gw.Complete(context.Background(), Request{Call: "impact_scorer"}, &out)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureValidation, kind)
}

func TestGateway_Complete_UpstreamFailure(t *testing.T) {
	fm := &fakeModel{err: eris.New("503 overloaded")}
	gw := New(fm, testConfig())

	var out scoreOut
	err := gw.Complete(context.Background(), Request{Call: "impact_scorer"}, &out)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureUpstream, kind)
	assert.False(t, IsTimeout(err))
}

func TestGateway_Complete_TimeoutFailure(t *testing.T) {
	fm := &fakeModel{delay: 200 * time.Millisecond, text: `{"score": 1, "reasoning": "r"}`}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	gw := New(fm, cfg)

	var out scoreOut
	err := gw.Complete(context.Background(), Request{Call: "impact_scorer"}, &out)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestGateway_Complete_CallerCancelIsUpstream(t *testing.T) {
	fm := &fakeModel{delay: time.Second, text: `{}`}
	gw := New(fm, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	var out scoreOut
	err := gw.Complete(ctx, Request{Call: "impact_scorer"}, &out)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestGateway_ConcurrencyCeiling(t *testing.T) {
	fm := &fakeModel{delay: 30 * time.Millisecond, text: `{"score": 1, "reasoning": "r"}`}
	cfg := testConfig()
	cfg.MaxConcurrentCalls = 2
	gw := New(fm, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out scoreOut
			_ = gw.Complete(context.Background(), Request{Call: "c"}, &out)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, fm.maxSeen.Load(), int64(2))
}

func TestKindOf_NonGatewayError(t *testing.T) {
	_, ok := KindOf(eris.New("plain"))
	assert.False(t, ok)
}

func TestFailure_ErrorAndUnwrap(t *testing.T) {
	inner := eris.New("boom")
	f := &Failure{Kind: FailureUpstream, Call: "signal_extractor", Err: inner}

	assert.Contains(t, f.Error(), "signal_extractor")
	assert.Contains(t, f.Error(), "upstream")
	assert.ErrorIs(t, f, inner)
}
