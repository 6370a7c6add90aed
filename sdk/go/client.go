// Package trustlenssdk is a minimal client for the TrustLens HTTP API.
package trustlenssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one TrustLens server. Set either BearerToken or APIKey;
// BearerToken wins when both are present.
type Client struct {
	BaseURL     string
	BasePath    string // defaults to "v1"
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// SignalResult is one analyzer's score.
type SignalResult struct {
	Score      float64            `json:"score"`
	SubMetrics map[string]float64 `json:"sub_metrics,omitempty"`
}

// Quality describes how analyzable the input was.
type Quality struct {
	Overall     float64 `json:"overall"`
	Compression float64 `json:"compression"`
	Noise       float64 `json:"noise"`
	Blocking    float64 `json:"blocking"`
	Resolution  float64 `json:"resolution"`
}

// Verdict is the fused authenticity result.
type Verdict struct {
	RawScore   float64                 `json:"raw_score"`
	FinalScore float64                 `json:"final_score"`
	Decision   string                  `json:"decision"`
	Reason     string                  `json:"reason"`
	Signals    map[string]SignalResult `json:"signals"`
	Quality    Quality                 `json:"quality"`
}

// Analysis is one stored analysis record.
type Analysis struct {
	ID        string  `json:"id"`
	Filename  string  `json:"filename"`
	Verdict   Verdict `json:"verdict"`
	CreatedAt string  `json:"created_at"`
}

// AttackOutcome is one robustness matrix cell.
type AttackOutcome struct {
	Key struct {
		Attack    string `json:"attack"`
		Intensity string `json:"intensity"`
	} `json:"key"`
	Score       float64  `json:"score"`
	Degradation *float64 `json:"degradation"`
	Error       string   `json:"error,omitempty"`
}

// RobustnessReport is the attack matrix result.
type RobustnessReport struct {
	Baseline       Verdict         `json:"baseline"`
	Attacks        []AttackOutcome `json:"attacks"`
	MostResilient  *struct {
		Attack    string `json:"attack"`
		Intensity string `json:"intensity"`
	} `json:"most_resilient,omitempty"`
	MostVulnerable *struct {
		Attack    string `json:"attack"`
		Intensity string `json:"intensity"`
	} `json:"most_vulnerable,omitempty"`
}

// BatchJob is a batch job snapshot.
type BatchJob struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Progress  float64 `json:"progress"`
	Results   []struct {
		Filename string  `json:"filename"`
		Verdict  Verdict `json:"verdict"`
	} `json:"results"`
	Errors []struct {
		Filename string `json:"filename"`
		Message  string `json:"message"`
	} `json:"errors"`
	CreatedAt string  `json:"created_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
}

// BatchItem names one file in a batch submission.
type BatchItem struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
}

// Event is one entry of the server's activity log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// PaginatedAnalyses wraps list responses with a cursor.
type PaginatedAnalyses struct {
	Items      []Analysis `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Analyze runs one server-side file through the pipeline.
func (c *Client) Analyze(ctx context.Context, path, filename string) (Analysis, error) {
	body := map[string]any{"path": path}
	if filename != "" {
		body["filename"] = filename
	}
	var resp Analysis
	err := c.do(ctx, http.MethodPost, c.apiPath("analyze"), body, &resp)
	return resp, err
}

// TestRobustness runs the attack matrix against one server-side file.
func (c *Client) TestRobustness(ctx context.Context, path string) (RobustnessReport, error) {
	var resp RobustnessReport
	err := c.do(ctx, http.MethodPost, c.apiPath("analyze/robustness"), map[string]any{"path": path}, &resp)
	return resp, err
}

// SubmitBatch starts a concurrent batch analysis.
func (c *Client) SubmitBatch(ctx context.Context, items []BatchItem) (BatchJob, error) {
	var resp BatchJob
	err := c.do(ctx, http.MethodPost, c.apiPath("batch"), map[string]any{"items": items}, &resp)
	return resp, err
}

// BatchStatus fetches a batch job snapshot.
func (c *Client) BatchStatus(ctx context.Context, jobID string) (BatchJob, error) {
	var resp BatchJob
	err := c.do(ctx, http.MethodGet, c.apiPath("batch/"+url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// WaitForBatch polls until the job reaches a terminal status or ctx ends.
func (c *Client) WaitForBatch(ctx context.Context, jobID string, interval time.Duration) (BatchJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		job, err := c.BatchStatus(ctx, jobID)
		if err != nil {
			return BatchJob{}, err
		}
		if job.Status == "completed" || job.Status == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// GetAnalysis fetches one stored analysis.
func (c *Client) GetAnalysis(ctx context.Context, id string) (Analysis, error) {
	var resp Analysis
	err := c.do(ctx, http.MethodGet, c.apiPath("analyses/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListAnalyses returns a page of analyses, newest first.
func (c *Client) ListAnalyses(ctx context.Context, decision string, limit int, cursor string) (PaginatedAnalyses, error) {
	q := url.Values{}
	if decision != "" {
		q.Set("decision", decision)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("analyses")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedAnalyses
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns analysis counts by decision.
func (c *Client) Stats(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, c.apiPath("stats"), nil, &resp)
	return resp, err
}

// Events returns recent activity, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyHash fingerprints a server-side file.
func (c *Client) VerifyHash(ctx context.Context, path string) (string, error) {
	var resp struct {
		SHA256 string `json:"sha256"`
	}
	err := c.do(ctx, http.MethodPost, c.apiPath("verify/hash"), map[string]any{"path": path}, &resp)
	return resp.SHA256, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := c.BasePath
	if base == "" {
		base = "v1"
	}
	return strings.Trim(base, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
