package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docsetter/scanflow/internal/config"
	"github.com/docsetter/scanflow/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu      sync.Mutex
	busy    bool
	last    *pipeline.Summary
	runs    int
	ranOpts pipeline.Options
}

func (f *fakeRunner) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeRunner) LastSummary() *pipeline.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeRunner) TryRun(ctx context.Context, opts pipeline.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return pipeline.ErrBusy
	}
	f.runs++
	f.ranOpts = opts
	return nil
}

type fakeDevice struct {
	name      string
	available bool
}

func (f *fakeDevice) Name() string                       { return f.name }
func (f *fakeDevice) Available(ctx context.Context) bool { return f.available }

func newTestHandler(runner *fakeRunner, device *fakeDevice) *Handler {
	cfg := config.Default()
	cfg.Scanner.Device = "canon:libusb:001"
	cfg.API.Token = "should-never-leak"
	return New(cfg, runner, device, testLogger())
}

func TestHandleScanStartsJob(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, &fakeDevice{name: "canon:libusb:001", available: true})

	body := strings.NewReader(`{"source": "Flatbed", "documentType": "invoice"}`)
	req := httptest.NewRequest(http.MethodPost, "/scan", body)
	rec := httptest.NewRecorder()
	h.HandleScan(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["status"] != "started" || resp["jobId"] == "" {
		t.Errorf("response = %v", resp)
	}

	if runner.runs != 1 {
		t.Fatalf("runs = %d, want the job claimed before the response", runner.runs)
	}
	if runner.ranOpts.Source != "Flatbed" {
		t.Errorf("source override = %q, want Flatbed", runner.ranOpts.Source)
	}
	if runner.ranOpts.Document.DocumentType != "invoice" {
		t.Errorf("document type = %q, want invoice", runner.ranOpts.Document.DocumentType)
	}
	if runner.ranOpts.DirPrefix != "scan-" {
		t.Errorf("dir prefix = %q, want scan-", runner.ranOpts.DirPrefix)
	}
}

func TestHandleScanEmptyBody(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, &fakeDevice{})

	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	rec := httptest.NewRecorder()
	h.HandleScan(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if runner.runs != 1 {
		t.Errorf("runs = %d, want 1", runner.runs)
	}
}

func TestHandleScanBusy(t *testing.T) {
	runner := &fakeRunner{busy: true}
	h := newTestHandler(runner, &fakeDevice{})

	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	rec := httptest.NewRecorder()
	h.HandleScan(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["status"] != "busy" {
		t.Errorf("response = %v", resp)
	}
	if runner.runs != 0 {
		t.Errorf("no job should start while busy, runs = %d", runner.runs)
	}
}

func TestHandleScanRejectsGet(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, &fakeDevice{})
	rec := httptest.NewRecorder()
	h.HandleScan(rec, httptest.NewRequest(http.MethodGet, "/scan", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	runner := &fakeRunner{
		last: &pipeline.Summary{Pages: 4, Uploaded: 3, DocID: "doc-9"},
	}
	h := newTestHandler(runner, &fakeDevice{name: "canon:libusb:001", available: true})

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["scanning"] != false || resp["available"] != true {
		t.Errorf("response = %v", resp)
	}
	if resp["device"] != "canon:libusb:001" {
		t.Errorf("device = %v", resp["device"])
	}
	lastJob, ok := resp["lastJob"].(map[string]any)
	if !ok || lastJob["docId"] != "doc-9" {
		t.Errorf("lastJob = %v", resp["lastJob"])
	}
}

func TestHandleStatusWithoutHistory(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, &fakeDevice{})
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if _, exists := resp["lastJob"]; exists {
		t.Error("lastJob should be absent before the first job")
	}
}

func TestHandleConfigOmitsToken(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, &fakeDevice{})
	rec := httptest.NewRecorder()
	h.HandleConfig(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "should-never-leak") {
		t.Fatal("config response leaked the API token")
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	scanner, ok := resp["scanner"].(map[string]any)
	if !ok || scanner["device"] != "canon:libusb:001" {
		t.Errorf("scanner config = %v", resp["scanner"])
	}
}

func TestRoutesHealth(t *testing.T) {
	h := newTestHandler(&fakeRunner{}, &fakeDevice{})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}
}
