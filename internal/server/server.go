package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/docsetter/scanflow/internal/config"
	"github.com/docsetter/scanflow/internal/pipeline"
	"github.com/docsetter/scanflow/internal/upload"
)

// Device is the slice of the scanner the control server reports on.
type Device interface {
	Name() string
	Available(ctx context.Context) bool
}

// Runner starts scan jobs. *pipeline.Pipeline implements it.
type Runner interface {
	Busy() bool
	LastSummary() *pipeline.Summary
	TryRun(ctx context.Context, opts pipeline.Options) error
}

// Handler serves the HTTP control interface.
type Handler struct {
	cfg    *config.Config
	runner Runner
	device Device
	log    *slog.Logger
}

func New(cfg *config.Config, runner Runner, device Device, log *slog.Logger) *Handler {
	return &Handler{cfg: cfg, runner: runner, device: device, log: log}
}

// Routes wires the control endpoints onto a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/scan", h.HandleScan)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/config", h.HandleConfig)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			h.log.Error("Unable to write health response", "err", err)
		}
	})
	return mux
}

// scanRequest is the optional JSON body of a scan trigger.
type scanRequest struct {
	Source       string         `json:"source,omitempty"`
	DocumentType string         `json:"documentType,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// HandleScan starts a scan job in the background and answers immediately
// with the job id. A job already in progress yields 409; jobs are never
// queued.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scanRequest
	if r.Body != nil {
		// The body is optional; a missing or empty one means defaults.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	opts := pipeline.DefaultOptions(h.cfg)
	opts.DirPrefix = "scan-"
	if req.Source != "" {
		opts.Source = req.Source
	}
	opts.Document = upload.DocumentOptions{
		DocumentType: req.DocumentType,
		Metadata:     req.Meta,
	}

	// TryRun claims the run slot before returning, so a 202 always means a
	// job really started and two racing triggers cannot both win.
	if err := h.runner.TryRun(context.Background(), opts); err != nil {
		if errors.Is(err, pipeline.ErrBusy) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			h.writeJSON(w, map[string]string{"status": "busy", "error": "a scan job is already in progress"})
			return
		}
		h.writeError(w, "Failed to start scan job", http.StatusInternalServerError)
		return
	}

	jobID := uuid.NewString()
	h.log.Info("Scan job accepted", "job_id", jobID, "source", opts.Source)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	h.writeJSON(w, map[string]string{"status": "started", "jobId": jobID})
}

// HandleStatus reports whether a job is running, whether the device answers
// a probe, and the last job's outcome.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"scanning":  h.runner.Busy(),
		"device":    h.device.Name(),
		"available": h.device.Available(r.Context()),
	}
	if last := h.runner.LastSummary(); last != nil {
		status["lastJob"] = last
	}
	h.writeJSON(w, status)
}

// HandleConfig exposes the active configuration, minus credentials.
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, map[string]any{
		"scanner": map[string]any{
			"device":     h.cfg.Scanner.Device,
			"resolution": h.cfg.Scanner.Resolution,
			"mode":       h.cfg.Scanner.Mode,
			"source":     h.cfg.Scanner.Source,
			"format":     h.cfg.Scanner.Format,
		},
		"api": map[string]any{
			"url":       h.cfg.API.URL,
			"workspace": h.cfg.API.Workspace,
		},
		"upload": map[string]any{
			"compression": h.cfg.Upload.Compression,
		},
		"processing": map[string]any{
			"skipBlank":      h.cfg.Processing.SkipBlank,
			"blankThreshold": h.cfg.Processing.BlankThreshold,
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Unable to encode JSON response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	h.log.Error(message)
	http.Error(w, message, code)
}
