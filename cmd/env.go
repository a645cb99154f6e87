package main

import (
	"context"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/analyzer"
	"github.com/sells-group/deal-intel/internal/inference"
	"github.com/sells-group/deal-intel/internal/meddpicc"
	"github.com/sells-group/deal-intel/internal/pipeline"
	"github.com/sells-group/deal-intel/internal/resilience"
	"github.com/sells-group/deal-intel/internal/store"
	anthropicpkg "github.com/sells-group/deal-intel/pkg/anthropic"
	sfpkg "github.com/sells-group/deal-intel/pkg/salesforce"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "deal-intel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf, sfpkg.WithRateLimit(cfg.Salesforce.RateLimitRPS)), nil
}

// pipelineEnv holds the store and the assembled pipeline needed by the
// process/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the inference gateway, and the analyzers,
// and builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key,
		option.WithMaxRetries(cfg.Anthropic.MaxRetries))
	gw := inference.New(client, inference.Config{
		MaxConcurrentCalls: int64(cfg.Inference.MaxConcurrentCalls),
		CallTimeout:        time.Duration(cfg.Inference.CallTimeoutSecs) * time.Second,
		Breaker:            resilience.FromCircuitConfig(cfg.Inference.BreakerThreshold, cfg.Inference.BreakerResetSecs),
	})

	an := analyzer.New(gw, analyzer.Config{
		FastModel: cfg.Anthropic.FastModel,
		DeepModel: cfg.Anthropic.DeepModel,
	})

	defs := meddpicc.DefaultDefinitions()
	if cfg.MEDDPICC.DefinitionsPath != "" {
		defs, err = meddpicc.LoadDefinitions(cfg.MEDDPICC.DefinitionsPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load knowledge definitions")
		}
		zap.L().Info("knowledge definitions loaded",
			zap.String("path", cfg.MEDDPICC.DefinitionsPath),
			zap.Int("categories", len(defs)))
	}
	ex := meddpicc.NewExtractor(gw, defs, cfg.Anthropic.DeepModel)

	p := pipeline.New(pipeline.Config{
		MaxConcurrentPairs: cfg.Pipeline.MaxConcurrentPairs,
		CRMWriteback:       cfg.Pipeline.CRMWriteback,
		OutboxMaxRetries:   cfg.Pipeline.OutboxMaxRetries,
	}, st, an, ex)

	return &pipelineEnv{Store: st, Pipeline: p}, nil
}
