package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls an engine service that exposes one JSON endpoint per
// operation.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

var _ Engine = (*Client)(nil)

func (c *Client) Tally(ctx context.Context, req TallyRequest) (TallyResult, error) {
	var out TallyResult
	err := c.post(ctx, "/tally", req, &out)
	return out, err
}

func (c *Client) PartialDecrypt(ctx context.Context, req PartialDecryptionRequest) (ShareResult, error) {
	var out ShareResult
	err := c.post(ctx, "/partial-decryption", req, &out)
	return out, err
}

func (c *Client) CompensatedDecrypt(ctx context.Context, req CompensatedDecryptionRequest) (ShareResult, error) {
	var out ShareResult
	err := c.post(ctx, "/compensated-decryption", req, &out)
	return out, err
}

func (c *Client) Combine(ctx context.Context, req CombineRequest) (CombineResult, error) {
	var out CombineResult
	err := c.post(ctx, "/combine", req, &out)
	return out, err
}

// post classifies failures: transport errors, 429 and 5xx are transient,
// any other non-2xx status or an undecodable body is fatal.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return Fatal(fmt.Errorf("marshal %s request: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("engine %s: %w", path, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Transient(fmt.Errorf("engine %s: read body: %w", path, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("engine %s: status %d: %s", path, resp.StatusCode, errorMessage(raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Transient(statusErr)
		}
		return Fatal(statusErr)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Fatal(fmt.Errorf("engine %s: decode response: %w", path, err))
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
