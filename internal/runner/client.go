package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"scrape-coordinator/internal/callback"
	"scrape-coordinator/internal/models"
)

// ErrLeaseLost is returned when the coordinator answers 409: another runner
// owns the lease now and all work on the unit must stop.
var ErrLeaseLost = errors.New("lease lost")

// Client talks to the coordinator's runner API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type polledJob struct {
	Job          models.Job `json:"job"`
	LeaseToken   *string    `json:"lease_token"`
	LeaseExpires *time.Time `json:"lease_expires_at"`
}

// Poll claims the next eligible job. Returns nil when nothing is claimable.
func (c *Client) Poll(ctx context.Context, runnerName string) (*polledJob, error) {
	body := map[string]string{"runner_name": runnerName}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/poll", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out polledJob
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &out, nil
}

// Heartbeat extends the job lease. 409 means the lease is gone.
func (c *Client) Heartbeat(ctx context.Context, jobID, leaseToken string) error {
	body := map[string]string{"job_id": jobID, "lease_token": leaseToken}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/heartbeat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkOK(resp)
}

// ListChunks fetches the job's chunks with their derived statuses.
func (c *Client) ListChunks(ctx context.Context, jobID string) ([]chunkView, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID+"/chunks", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out struct {
		Chunks []chunkView `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}
	return out.Chunks, nil
}

type chunkView struct {
	models.Chunk
	Status string `json:"status"`
}

func (c *Client) ClaimChunk(ctx context.Context, chunkID string) (models.Lease, error) {
	return c.leaseCall(ctx, "/api/v1/chunks/"+chunkID+"/claim", nil)
}

func (c *Client) RenewChunk(ctx context.Context, chunkID, token string) (models.Lease, error) {
	return c.leaseCall(ctx, "/api/v1/chunks/"+chunkID+"/renew", map[string]string{"lease_token": token})
}

func (c *Client) ReleaseChunk(ctx context.Context, chunkID, token string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/chunks/"+chunkID+"/release", map[string]string{"lease_token": token})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkOK(resp)
}

// Callback reports job progress or results.
func (c *Client) Callback(ctx context.Context, payload callback.Payload) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/callback", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkOK(resp)
}

func (c *Client) leaseCall(ctx context.Context, path string, body any) (models.Lease, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return models.Lease{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return models.Lease{}, ErrLeaseLost
	}
	if resp.StatusCode != http.StatusOK {
		return models.Lease{}, statusError(resp)
	}
	var lease models.Lease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return models.Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	return lease, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	return c.http.Do(req)
}

func checkOK(resp *http.Response) error {
	if resp.StatusCode == http.StatusConflict {
		return ErrLeaseLost
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
}
