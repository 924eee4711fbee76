package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIError is a document API rejection, carrying the backend's HTTP status
// and response body so failures surface with full context.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// DocumentResponse is the JSON body returned by document create and append
// calls.
type DocumentResponse struct {
	DocID      string `json:"docId"`
	PagesAdded int    `json:"pagesAdded"`
	TotalPages int    `json:"totalPages"`
}

// DocumentOptions carries the optional fields of a create call.
type DocumentOptions struct {
	Metadata     map[string]any
	DocumentType string
	Properties   map[string]any
}

// ErrorReport is the out-of-band diagnostic payload accepted by the remote
// log endpoint when a scan or upload fails.
type ErrorReport struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

// Client talks to the remote document API.
type Client struct {
	BaseURL   string
	Workspace string
	Token     string

	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(baseURL, workspace, token string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Workspace: workspace,
		Token:     token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) documentURL(docID string) string {
	base := fmt.Sprintf("%s/%s/api/document/", c.BaseURL, c.Workspace)
	if docID == "" {
		return base
	}
	return base + docID
}

// CreateDocument uploads files as a new document and returns the backend's
// document id and page counts.
func (c *Client) CreateDocument(ctx context.Context, files []string, opts DocumentOptions) (*DocumentResponse, error) {
	return c.postDocument(ctx, c.documentURL(""), files, &opts)
}

// AppendPages adds files to an existing document.
func (c *Client) AppendPages(ctx context.Context, docID string, files []string) (*DocumentResponse, error) {
	if docID == "" {
		return nil, fmt.Errorf("cannot append pages without a document id")
	}
	return c.postDocument(ctx, c.documentURL(docID), files, nil)
}

func (c *Client) postDocument(ctx context.Context, url string, files []string, opts *DocumentOptions) (*DocumentResponse, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	attached := 0
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			c.log.Warn("File not found, skipping", "path", path, "err", err)
			continue
		}
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", path, err)
		}
		attached++
	}
	if attached == 0 {
		return nil, fmt.Errorf("no valid files to upload")
	}

	if opts != nil {
		if len(opts.Metadata) > 0 {
			meta, err := json.Marshal(opts.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", err)
			}
			if err := writer.WriteField("meta", string(meta)); err != nil {
				return nil, fmt.Errorf("failed to write meta field: %w", err)
			}
		}
		if opts.DocumentType != "" {
			if err := writer.WriteField("documentType", opts.DocumentType); err != nil {
				return nil, fmt.Errorf("failed to write documentType field: %w", err)
			}
		}
		if len(opts.Properties) > 0 {
			props, err := json.Marshal(opts.Properties)
			if err != nil {
				return nil, fmt.Errorf("failed to encode properties: %w", err)
			}
			if err := writer.WriteField("properties", string(props)); err != nil {
				return nil, fmt.Errorf("failed to write properties field: %w", err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	c.log.Info("Uploading files", "count", attached, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	result := &DocumentResponse{PagesAdded: attached, TotalPages: attached}
	if err := json.Unmarshal(respBody, result); err != nil {
		// Some backends answer 200 with a non-JSON body; treat the call as
		// accepted and keep the attachment counts.
		c.log.Warn("Upload response was not valid JSON", "body", string(respBody))
	}
	return result, nil
}

// ReportError sends a best-effort diagnostic to the remote log endpoint.
// Failures are logged and never returned, so they cannot mask the original
// job error.
func (c *Client) ReportError(ctx context.Context, level, message, details string) {
	report := ErrorReport{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		Source:    "scanflow",
		Timestamp: time.Now().Format(time.RFC3339),
		Details:   details,
	}

	payload, err := json.Marshal(report)
	if err != nil {
		c.log.Warn("Failed to encode error report", "err", err)
		return
	}

	url := fmt.Sprintf("%s/%s/api/log", c.BaseURL, c.Workspace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.log.Warn("Failed to create error report request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("Failed to deliver error report", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.log.Warn("Error report rejected", "status", resp.StatusCode)
	}
}

// GenerateDocID builds a fallback document id of the form
// YYYY-MM-DD-HH:MM-XXXXX, used when the backend response carries none.
func GenerateDocID(now time.Time) string {
	timestamp := now.Format("2006-01-02-15:04")
	sum := md5.Sum([]byte(timestamp + uuid.NewString()))
	return timestamp + "-" + strings.ToUpper(hex.EncodeToString(sum[:])[:5])
}
