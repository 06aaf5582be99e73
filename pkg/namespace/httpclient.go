package namespace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// HTTPClient is a Service backed by the real namespace/catalog service,
// reached over plain HTTP. It is the production collaborator; Stub exists
// for tests and single-node deployments that have no such service to talk
// to.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL (e.g.
// "http://catalog.internal:8080"). A zero timeout falls back to 10s.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FindDatasetByUUID fetches /v1/datasets/{id} from the namespace service. A
// 404 is reported as (nil, nil), matching Stub's "dataset no longer exists"
// convention rather than surfacing it as a fault.
func (c *HTTPClient) FindDatasetByUUID(ctx context.Context, id string) (*model.DatasetConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/datasets/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("building dataset lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataset lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("namespace service returned %d: %s", resp.StatusCode, string(body))
	}

	var ds model.DatasetConfig
	if err := json.NewDecoder(resp.Body).Decode(&ds); err != nil {
		return nil, fmt.Errorf("decoding dataset config: %w", err)
	}
	return &ds, nil
}
