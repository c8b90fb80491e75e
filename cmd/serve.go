package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/requalify"
	"github.com/sells-group/crm-sync/internal/syncresult"
)

var servePort int

// syncService is the part of reconcile.Syncer the server triggers.
type syncService interface {
	SyncAllLeads(ctx context.Context, tenantID, accountID string) syncresult.Summary
	SyncLeadsInScope(ctx context.Context, tenantID, scopeID, accountID string) syncresult.Summary
}

// requalifyService is the part of requalify.Runner the server triggers.
type requalifyService interface {
	RequalifyLeads(ctx context.Context, tenantID, accountID string, opts requalify.Options) *requalify.Result
}

type syncRequest struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	ScopeID   string `json:"scope_id"`
}

type requalifyRequest struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	BatchSize int    `json:"batch_size"`
	DryRun    bool   `json:"dry_run"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for sync and requalify triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(env.Syncer, env.Requalify),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildMux registers the health and trigger routes. Runs are synchronous
// and detached from client disconnects.
func buildMux(syncer syncService, runner requalifyService) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.TenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}

		ctx := context.WithoutCancel(r.Context())
		var summary syncresult.Summary
		if req.ScopeID != "" {
			summary = syncer.SyncLeadsInScope(ctx, req.TenantID, req.ScopeID, req.AccountID)
		} else {
			summary = syncer.SyncAllLeads(ctx, req.TenantID, req.AccountID)
		}
		writeJSON(w, statusFor(summary.Success), summary)
	})

	mux.HandleFunc("POST /requalify", func(w http.ResponseWriter, r *http.Request) {
		var req requalifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.TenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		start, err := parseDate(req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		end, err := parseDate(req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}

		result := runner.RequalifyLeads(context.WithoutCancel(r.Context()), req.TenantID, req.AccountID, requalify.Options{
			BatchSize: req.BatchSize,
			DryRun:    req.DryRun,
			StartDate: start,
			EndDate:   end,
		})
		writeJSON(w, statusFor(result.Success), result)
	})

	return mux
}

// statusFor maps a run outcome to a response code. Partial runs are
// still successful.
func statusFor(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
