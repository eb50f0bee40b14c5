package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/pool"
	"github.com/ccheshirecat/hostagent/internal/server/httpapi"
)

// DefaultBaseURL is the address hostagentd listens on by default.
const DefaultBaseURL = "http://127.0.0.1:8899"

// Client wraps REST access to the hostagentd API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	// streamClient has no timeout; event streams stay open indefinitely.
	streamClient *http.Client
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:8899).
func New(rawURL, apiKey string) (*Client, error) {
	if rawURL == "" {
		rawURL = DefaultBaseURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	return &Client{
		baseURL: parsed,
		apiKey:  strings.TrimSpace(apiKey),
		// Stop can retry for minutes before answering.
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
		streamClient: &http.Client{},
	}, nil
}

type (
	VMSpec         = executor.VMSpec
	Result         = executor.Result
	StartResult    = executor.StartResult
	VMState        = httpapi.VMStateResponse
	Status         = httpapi.StatusResponse
	Command        = httpapi.CommandResponse
	PoolRecord     = pool.Record
	Repository     = pool.Repository
	VMEvent        = events.VMEvent
	MigrateRequest = httpapi.MigrateRequest
)

func (c *Client) ListVMs(ctx context.Context) ([]VMState, error) {
	var out []VMState
	if err := c.call(ctx, http.MethodGet, "/api/v1/vms", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetVM(ctx context.Context, name string) (*VMState, error) {
	var out VMState
	if err := c.call(ctx, http.MethodGet, "/api/v1/vms/"+url.PathEscape(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartVM(ctx context.Context, spec VMSpec) (*StartResult, error) {
	var out StartResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/vms", nil, spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopVM(ctx context.Context, name string) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/vms/"+url.PathEscape(name)+"/stop", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RebootVM(ctx context.Context, name string) (*StartResult, error) {
	var out StartResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/vms/"+url.PathEscape(name)+"/reboot", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MigrateVM(ctx context.Context, name string, req MigrateRequest) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/vms/"+url.PathEscape(name)+"/migrate", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PrepareForMigration(ctx context.Context, spec VMSpec) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/migrations", nil, spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.call(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pool(ctx context.Context) (*PoolRecord, error) {
	var out PoolRecord
	if err := c.call(ctx, http.MethodGet, "/api/v1/pool", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetupPool(ctx context.Context, repo Repository) (*PoolRecord, error) {
	var out PoolRecord
	if err := c.call(ctx, http.MethodPost, "/api/v1/pool/setup", nil, repo, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Commands returns journaled command outcomes, newest first. An empty vm
// lists every VM.
func (c *Client) Commands(ctx context.Context, vm string, limit int) ([]Command, error) {
	query := url.Values{}
	if vm != "" {
		query.Set("vm", vm)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Command
	if err := c.call(ctx, http.MethodGet, "/api/v1/journal/commands", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchVMEvents streams VM events and invokes handler for each payload until
// the context is cancelled or the server closes the connection.
func (c *Client) WatchVMEvents(ctx context.Context, handler func(VMEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events/vms", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: watch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: watch events http %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event VMEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("client: decode event: %w", err)
		}
		if handler != nil {
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("client: event stream error: %w", err)
	}
	return ctx.Err()
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	resolved := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		resolved.RawQuery = query.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(httpapi.APIKeyHeader, c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
		if msg, ok := apiErr["error"].(string); ok {
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("client: http %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
