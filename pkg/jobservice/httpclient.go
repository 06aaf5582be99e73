package jobservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is a Service backed by the real SQL job service, reached over
// plain HTTP. Submission and cancellation are simple request/response
// calls; because job completion happens out-of-band on the job service's
// own schedule, HTTPClient polls GetJobFromStore in a background goroutine
// per submitted job and fires the caller's Listener once on the first
// terminal observation, same contract FakeService gives in-process.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	poll    time.Duration
	logger  *slog.Logger
}

// NewHTTPClient builds an HTTPClient against baseURL. pollInterval governs
// how often a submitted job's status is re-checked while non-terminal; a
// non-positive value falls back to 5s, and timeout to 10s.
func NewHTTPClient(baseURL string, timeout, pollInterval time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		poll:    pollInterval,
		logger:  logger,
	}
}

type submitRequest struct {
	QueryType QueryType `json:"queryType"`
	SQL       string    `json:"sql"`
	User      string    `json:"user"`
}

// SubmitJob posts req to the job service and, if listener is non-nil, spawns
// a background poller that calls it exactly once on the job's terminal
// transition. The poller is best-effort: it exits quietly if ctx is
// canceled before the job resolves, leaving the next run() to observe the
// job's final state via GetJobFromStore instead.
func (c *HTTPClient) SubmitJob(ctx context.Context, req Request, listener Listener) (*Job, error) {
	body, err := json.Marshal(submitRequest{QueryType: req.QueryType, SQL: req.SQL, User: req.User})
	if err != nil {
		return nil, fmt.Errorf("marshaling submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit job request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("job service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}

	if listener != nil {
		go c.pollUntilTerminal(ctx, job.ID, listener)
	}
	return &job, nil
}

func (c *HTTPClient) pollUntilTerminal(ctx context.Context, jobID string, listener Listener) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := c.GetJobFromStore(ctx, jobID)
		if err != nil {
			c.logger.Warn("job poll failed", "jobId", jobID, "error", err)
			continue
		}
		if job.State.IsTerminal() {
			listener(*job)
			return
		}
	}
}

// GetJobFromStore fetches /v1/jobs/{id} from the job service.
func (c *HTTPClient) GetJobFromStore(ctx context.Context, jobID string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("building job lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrJobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("job service returned %d: %s", resp.StatusCode, string(body))
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// Cancel issues a cancel request for jobID on behalf of user. The manager
// only ever cancels jobs it itself submitted on the same node, so this is
// a best-effort local-to-the-job-service RPC rather than a cross-node
// operation.
func (c *HTTPClient) Cancel(ctx context.Context, user, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs/"+url.PathEscape(jobID)+"/cancel", bytes.NewReader([]byte(`{"user":"`+user+`"}`)))
	if err != nil {
		return fmt.Errorf("building cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("job service returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
