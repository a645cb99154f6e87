package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
	"github.com/sells-group/deal-intel/internal/pipeline"
	"github.com/sells-group/deal-intel/pkg/salesforce"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start webhook server for activity ingestion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// The worker drains both webhook-enqueued pipeline runs and CRM
		// writeback tasks. The CRM client rides along only when
		// credentials are configured.
		var sfClient salesforce.Client
		if cfg.Pipeline.CRMWriteback && cfg.Salesforce.ClientID != "" {
			sfClient, err = initSalesforce()
			if err != nil {
				return err
			}
		} else {
			zap.L().Info("crm writeback disabled")
		}
		worker := outbox.NewWorker(outboxWorkerConfig(), env.Store, sfClient,
			outbox.WithRunner(pipelineRunner{env.Pipeline}))
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("outbox worker exited", zap.Error(err))
			}
		}()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			if err := env.Store.Ping(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/webhook/activity", func(w http.ResponseWriter, req *http.Request) {
			var activity model.Activity
			if err := json.NewDecoder(req.Body).Decode(&activity); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if activity.Kind == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind is required"})
				return
			}
			if len(activity.ContactIDs) == 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contact_ids is required"})
				return
			}
			if activity.ID == "" {
				activity.ID = uuid.NewString()
			}
			if activity.OccurredAt.IsZero() {
				activity.OccurredAt = time.Now().UTC()
			}

			if err := env.Store.SaveActivity(req.Context(), &activity); err != nil {
				zap.L().Error("webhook activity save failed",
					zap.String("activity", activity.ID),
					zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store write failed"})
				return
			}

			// Analysis goes through the outbox so an accepted activity
			// survives a crash and is retried on failure.
			payload, err := json.Marshal(outbox.RunPayload{ActivityID: activity.ID})
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode run task"})
				return
			}
			task := outbox.Task{
				Kind:       outbox.TaskPipelineRun,
				Payload:    payload,
				MaxRetries: cfg.Pipeline.OutboxMaxRetries,
			}
			if err := env.Store.EnqueueTask(req.Context(), task); err != nil {
				zap.L().Error("webhook run enqueue failed",
					zap.String("activity", activity.ID),
					zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store write failed"})
				return
			}
			worker.Nudge()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":   "accepted",
				"activity": activity.ID,
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// pipelineRunner adapts the pipeline to the outbox runner contract.
type pipelineRunner struct {
	p *pipeline.Pipeline
}

func (r pipelineRunner) ProcessActivity(ctx context.Context, activityID string) error {
	result, err := r.p.Run(ctx, activityID)
	if err != nil {
		return err
	}
	zap.L().Info("activity processed",
		zap.String("activity", activityID),
		zap.Int("pairs_processed", result.PairsProcessed),
		zap.Int("pairs_failed", len(result.PairsFailed)))
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
