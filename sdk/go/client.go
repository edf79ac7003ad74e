package wdibsdk

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

// Client is a minimal wdib device API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Status is the published status of a device.
type Status struct {
	DeviceID       string `json:"device_id"`
	SchemaVersion  string `json:"schema_version"`
	Day            int    `json:"day"`
	Date           string `json:"date"`
	Status         string `json:"status"`
	Purpose        string `json:"purpose"`
	Becoming       string `json:"becoming"`
	RecentActivity string `json:"recent_activity"`
	Notice         string `json:"notice"`
}

// Daily is one day's published summary.
type Daily struct {
	DeviceID string `json:"device_id"`
	Day      int    `json:"day"`
	File     string `json:"file"`
	Markdown string `json:"markdown"`
}

// Instruction acknowledges a queued instruction.
type Instruction struct {
	DeviceID  string `json:"device_id"`
	QueuedAt  string `json:"queued_at"`
	Replaced  bool   `json:"replaced"`
	Terminate bool   `json:"terminate"`
}

// Event represents a log entry.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts"`
	CycleID string         `json:"cycle_id"`
	Type    string         `json:"event_type"`
	Payload map[string]any `json:"payload"`
}

// EventQuery narrows Events. Zero values match everything.
type EventQuery struct {
	Type    string
	CycleID string
	Limit   int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health returns the device id the server answers for.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp["device_id"], err
}

// Status returns the published status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/public/status", nil, &resp)
	return resp, err
}

// Daily returns the summary of one day.
func (c *Client) Daily(ctx context.Context, day int) (Daily, error) {
	var resp Daily
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/public/daily/%d", day), nil, &resp)
	return resp, err
}

// QueueInstruction queues text for the next cycle. Requires a bearer token.
func (c *Client) QueueInstruction(ctx context.Context, text string) (Instruction, error) {
	var resp Instruction
	err := c.do(ctx, http.MethodPost, "v0/instructions", map[string]any{"text": text}, &resp)
	return resp, err
}

// Events returns recent events. Requires a bearer token.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.CycleID != "" {
		params.Set("cycle_id", q.CycleID)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	endpoint := "v0/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
