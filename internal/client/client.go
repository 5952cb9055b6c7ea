// Package client provides a Go SDK for talking to a gossipkv node.
//
// Big idea:
//
// Instead of writing raw HTTP requests everywhere,
// we wrap them inside a clean Go API.
//
// So instead of:
//
//	http.NewRequest(...)
//	json.Marshal(...)
//
// Users can simply call:
//
//	client.Put(ctx, "users/42", value)
//	client.Get(ctx, "users/42")
//
// It hides HTTP details, JSON encoding/decoding, and error handling, and
// exposes a clean Go interface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to ONE gossipkv node over its HTTP API.
//
// Important: the node the client talks to is responsible for replicating
// the write to its peers. The client does not implement any distributed
// logic of its own — it just talks to one node.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client. baseURL looks like "http://localhost:8080".
// timeout protects every call from hanging forever — never call the
// network without one.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PutResponse is returned after a successful write. Clock is the record's
// vector clock after the write (and after merging with whatever was
// already there, per the node's conflict resolver).
type PutResponse struct {
	Path  string            `json:"path"`
	Value any               `json:"value"`
	Clock map[string]uint64 `json:"clock"`
}

// GetResponse carries the current value at a path.
type GetResponse struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Put stores value at path.
func (c *Client) Put(ctx context.Context, path string, value any) (*PutResponse, error) {
	body, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/kv/%s", c.baseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PUT request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result PutResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Get retrieves the value at path. Returns ErrNotFound on a 404.
func (c *Client) Get(ctx context.Context, path string) (*GetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/kv/%s", c.baseURL, path), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result GetResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Delete tombstones path. The server replicates the deletion; the client
// doesn't care how.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/kv/%s", c.baseURL, path), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE request failed: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// ScanEntry is one record returned by Scan.
type ScanEntry struct {
	Path   string         `json:"Path"`
	Record map[string]any `json:"Record"`
}

// Scan lists every path under prefix, up to limit entries (0 = unlimited).
func (c *Client) Scan(ctx context.Context, prefix string, limit int) ([]ScanEntry, error) {
	q := url.Values{}
	q.Set("prefix", prefix)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/scan?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result struct {
		Records []ScanEntry `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Records, nil
}

// RunAntiEntropy manually triggers a sync pass on the node against all of
// its peers.
func (c *Client) RunAntiEntropy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/admin/sync", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// SetConflictStrategy sets the conflict resolution strategy used for
// every path under prefix.
func (c *Client) SetConflictStrategy(ctx context.Context, prefix, strategy string) error {
	body, _ := json.Marshal(map[string]string{"prefix": prefix, "strategy": strategy})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/admin/conflict-strategy", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ─── Errors ─────────────────────────────────────────────────────────────

// ErrNotFound is returned when a path does not exist in the store.
var ErrNotFound = fmt.Errorf("path not found")

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts HTTP error responses into Go errors. 2xx is
// success; otherwise it tries to parse {"error": "..."} before falling
// back to the raw body.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
